package metrics

// Engine holds the named metrics of the reconciliation engine.
type Engine struct {
	SyncCycles          *Counter
	SyncFailures        *Counter
	HealthWrites        *Counter
	ConflictsResolved   *Counter
	BaselineCorrections *Counter
	Rollovers           *Counter
	SensorFallbacks     *Counter

	TodaySteps   *Gauge
	OverallSteps *Gauge
}

// NewEngine registers the engine metrics on the registry.
func NewEngine(r *Registry) *Engine {
	return &Engine{
		SyncCycles:          r.Counter("stepsyncd_sync_cycles_total", "Completed syncNow cycles."),
		SyncFailures:        r.Counter("stepsyncd_sync_failures_total", "syncNow cycles that ended in a retryable failure."),
		HealthWrites:        r.Counter("stepsyncd_health_writes_total", "Non-zero deltas written to the health platform."),
		ConflictsResolved:   r.Counter("stepsyncd_conflicts_resolved_total", "Cloud values overwritten by the health platform total."),
		BaselineCorrections: r.Counter("stepsyncd_baseline_corrections_total", "Baseline corrections applied by validation."),
		Rollovers:           r.Counter("stepsyncd_day_rollovers_total", "Completed day rollovers."),
		SensorFallbacks:     r.Counter("stepsyncd_sensor_fallbacks_total", "Direct sensor reads that fell back to the last observed value."),
		TodaySteps:          r.Gauge("stepsyncd_today_steps", "Reconciled step count for the current day."),
		OverallSteps:        r.Gauge("stepsyncd_overall_steps", "Running total across all frozen days plus today."),
	}
}
