// Package eval provides the closed command registry both sides of the IPC
// channel use to execute scripts.
//
// A script names a registered command plus JSON arguments; there is no
// free-form code evaluation. Commands are registered with typed handlers:
//
//	reg := eval.New(
//	    eval.Handle(ipc.CommandGetUser, func(ctx context.Context, a ipc.LookupArgs) (*User, error) {
//	        return users.Get(a.ID), nil
//	    }),
//	)
//
// A Registry implements ipc.Evaluator.
package eval
