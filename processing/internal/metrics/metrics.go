package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Metric names.
const (
	NameUp              = "psen_processing_up"
	NameStartTime       = "psen_processing_start_time_seconds"
	NameProcessed       = "psen_processed_images_total"
	NameLastPulseID     = "psen_last_sent_pulse_id"
	NameLastSentTime    = "psen_last_sent_time_seconds"
	NameInputReceived   = "psen_stream_received_total"
	NameStreamDropped   = "psen_stream_dropped_total"
	NameStreamBlocked   = "psen_stream_blocked_total"
	NameStreamConsumers = "psen_stream_consumers"
	NameStreamEvicted   = "psen_stream_evicted_total"
)

// Channel labels.
const (
	ChannelInput = "input"
	ChannelData  = "data"
	ChannelImage = "image"
)

// Snapshot is the point-in-time state rendered by one scrape.
type Snapshot struct {
	Up bool

	// Session values; zero times are omitted.
	StartTimeUnix    float64
	NProcessed       uint64
	LastSentPulseID  int64
	LastSentTimeUnix float64

	InputReceived uint64

	// Per channel counters keyed by Channel* label.
	Dropped   map[string]uint64
	Blocked   map[string]uint64
	Evicted   map[string]uint64
	Consumers map[string]int
}

// CollectFunc returns the current Snapshot.
type CollectFunc func() Snapshot

// Families converts s into metric families sorted by name.
func Families(s Snapshot) []*dto.MetricFamily {
	up := 0.0
	if s.Up {
		up = 1
	}

	fams := []*dto.MetricFamily{
		gauge(NameUp, "1 while a processing worker is alive.", up),
		counter(NameProcessed, "Records published in the current session.", float64(s.NProcessed)),
		gauge(NameLastPulseID, "Pulse id of the last published record.", float64(s.LastSentPulseID)),
		counter(NameInputReceived, "Input frames decoded.", float64(s.InputReceived)),
	}
	if s.StartTimeUnix > 0 {
		fams = append(fams, gauge(NameStartTime, "Unix time the current session started.", s.StartTimeUnix))
	}
	if s.LastSentTimeUnix > 0 {
		fams = append(fams, gauge(NameLastSentTime, "Unix time of the last published record.", s.LastSentTimeUnix))
	}
	if len(s.Dropped) > 0 {
		fams = append(fams, labelled(dto.MetricType_COUNTER, NameStreamDropped,
			"Frames or records discarded, per channel.", toFloat(s.Dropped)))
	}
	if len(s.Blocked) > 0 {
		fams = append(fams, labelled(dto.MetricType_COUNTER, NameStreamBlocked,
			"Sends rejected by backpressure, per channel.", toFloat(s.Blocked)))
	}
	if len(s.Evicted) > 0 {
		fams = append(fams, labelled(dto.MetricType_COUNTER, NameStreamEvicted,
			"Consumers disconnected for falling behind, per channel.", toFloat(s.Evicted)))
	}
	if len(s.Consumers) > 0 {
		c := make(map[string]float64, len(s.Consumers))
		for k, v := range s.Consumers {
			c[k] = float64(v)
		}
		fams = append(fams, labelled(dto.MetricType_GAUGE, NameStreamConsumers,
			"Connected output stream clients, per channel.", c))
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// Write encodes the families for s to w in text format.
func Write(w io.Writer, s Snapshot) error {
	for _, mf := range Families(s) {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the text exposition of collect() on every request.
func Handler(collect CollectFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := Write(w, collect()); err != nil {
			slog.Warn("metrics: write failed", "err", err)
		}
	})
}

// Parse decodes a text exposition into metric families keyed by name.
// A partial result with a parse warning is still returned.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("metrics: parse text: %w", err)
	}
	return mfs, nil
}

// Value returns the sum of all samples in mf, or 0 when mf is nil.
func Value(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}

// --- helpers ----------------------------------------------------------------

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

// labelled builds one sample per channel, sorted by label value.
func labelled(typ dto.MetricType, name, help string, byChannel map[string]float64) *dto.MetricFamily {
	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
	for _, ch := range channels {
		m := &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String("channel"), Value: proto.String(ch)}},
		}
		v := proto.Float64(byChannel[ch])
		if typ == dto.MetricType_COUNTER {
			m.Counter = &dto.Counter{Value: v}
		} else {
			m.Gauge = &dto.Gauge{Value: v}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func toFloat(in map[string]uint64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = float64(v)
	}
	return out
}
