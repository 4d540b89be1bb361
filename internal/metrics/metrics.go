package metrics

type Counter interface {
	Inc()
}

type Observer interface {
	Observe(v float64)
}

type Metrics struct {
	OrdersPlaced     Counter
	OrdersFailed     Counter
	EntriesAbandoned Counter
	ForceCloses      Counter
	FeedReconnects   Counter
	SpreadRefreshes  Counter
	TradesRecorded   Counter
	TradesDropped    Counter
	OrderLatency     Observer
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopObserver struct{}

func (noopObserver) Observe(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:     n,
		OrdersFailed:     n,
		EntriesAbandoned: n,
		ForceCloses:      n,
		FeedReconnects:   n,
		SpreadRefreshes:  n,
		TradesRecorded:   n,
		TradesDropped:    n,
		OrderLatency:     noopObserver{},
	}
}
