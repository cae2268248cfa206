package chshare

import (
	"fmt"
	"strconv"
	"sync/atomic"

	metrics "github.com/armon/go-metrics"
)

// Stats keeps track of channel and request counts for a Server, and mirrors
// them into go-metrics gauges and counters
type Stats struct {
	channelsTotal  atomic.Int64
	channelsOpen   atomic.Int64
	requestsTotal  atomic.Int64
	requestsFailed atomic.Int64
	outstanding    atomic.Int64

	sink   *metrics.Metrics
	prefix string
}

// StatsSnapshot is a point-in-time copy of Stats, suitable for JSON encoding
type StatsSnapshot struct {
	State          string `json:"state"`
	ChannelsOpen   int64  `json:"channels_open"`
	ChannelsTotal  int64  `json:"channels_total"`
	RequestsTotal  int64  `json:"requests_total"`
	RequestsFailed int64  `json:"requests_failed"`
	Outstanding    int64  `json:"outstanding"`
}

func newStats(sink *metrics.Metrics, prefix string) *Stats {
	return &Stats{sink: sink, prefix: prefix}
}

func (s *Stats) key(parts ...string) []string {
	return append([]string{s.prefix}, parts...)
}

func (s *Stats) setGauge(val int64, parts ...string) {
	if s.sink != nil {
		s.sink.SetGauge(s.key(parts...), float32(val))
	} else {
		metrics.SetGauge(s.key(parts...), float32(val))
	}
}

func (s *Stats) incrCounter(parts ...string) {
	if s.sink != nil {
		s.sink.IncrCounter(s.key(parts...), 1)
	} else {
		metrics.IncrCounter(s.key(parts...), 1)
	}
}

// channelOpened records a newly accepted channel and returns its sequence number
func (s *Stats) channelOpened() int64 {
	id := s.channelsTotal.Add(1)
	s.setGauge(s.channelsOpen.Add(1), "channels", "open")
	return id
}

func (s *Stats) channelClosed() {
	s.setGauge(s.channelsOpen.Add(-1), "channels", "open")
}

func (s *Stats) requestStarted() {
	s.requestsTotal.Add(1)
	s.incrCounter("requests", "total")
	s.setGauge(s.outstanding.Add(1), "requests", "outstanding")
}

func (s *Stats) requestFinished() {
	s.setGauge(s.outstanding.Add(-1), "requests", "outstanding")
}

func (s *Stats) requestFailed() {
	s.requestsFailed.Add(1)
	s.incrCounter("requests", "failed")
}

// windowChanged publishes a channel's window size
func (s *Stats) windowChanged(channelID int64, size int) {
	labels := []metrics.Label{{Name: "channel", Value: strconv.FormatInt(channelID, 10)}}
	if s.sink != nil {
		s.sink.SetGaugeWithLabels(s.key("window", "size"), float32(size), labels)
	} else {
		metrics.SetGaugeWithLabels(s.key("window", "size"), float32(size), labels)
	}
}

// Outstanding returns the number of requests received on any channel but not
// yet replied to
func (s *Stats) Outstanding() int64 {
	return s.outstanding.Load()
}

// Snapshot copies the current counts
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ChannelsOpen:   s.channelsOpen.Load(),
		ChannelsTotal:  s.channelsTotal.Load(),
		RequestsTotal:  s.requestsTotal.Load(),
		RequestsFailed: s.requestsFailed.Load(),
		Outstanding:    s.outstanding.Load(),
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("[%d/%d channels, %d outstanding]",
		s.channelsOpen.Load(), s.channelsTotal.Load(), s.outstanding.Load())
}
