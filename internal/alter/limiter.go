package alter

// Limiter bounds how many jobs run at once per table. The cap is read on
// every decision, so lowering it never evicts a job that is already running.
type Limiter struct {
	registry *Registry
	max      func() int
}

func NewLimiter(registry *Registry, max func() int) *Limiter {
	return &Limiter{registry: registry, max: max}
}

// Admit reports whether the job may run this tick, adding it to the running
// set if so.
func (l *Limiter) Admit(job Job) bool {
	return l.registry.admit(job, l.max())
}
