// Package metrics defines the small instrumentation surface shared by the
// sharding and ipc packages. Backends live in adapters/ (see adapters/prometheus).
package metrics

// Timer measures one operation. Create it when the operation starts and call
// ObserveDuration when it completes:
//
//	defer m.SpawnDuration().ObserveDuration()
type Timer interface {
	ObserveDuration()
}
