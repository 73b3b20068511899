package xray

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestParseStatsOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		up, down uint64
	}{
		{
			name: "json",
			output: `{"stat":[
				{"name":"inbound>>>socks>>>traffic>>>uplink","value":"100"},
				{"name":"inbound>>>socks>>>traffic>>>downlink","value":"300"},
				{"name":"inbound>>>http>>>traffic>>>uplink","value":20},
				{"name":"inbound>>>api-in>>>traffic>>>downlink","value":"999"},
				{"name":"outbound>>>proxy>>>traffic>>>uplink","value":"120"}
			]}`,
			up:   120,
			down: 300,
		},
		{
			name: "text",
			output: `stat: <
  name: "inbound>>>socks>>>traffic>>>uplink"
  value: 7
>
stat: <
  name: "inbound>>>socks>>>traffic>>>downlink"
  value: 9
>`,
			up:   7,
			down: 9,
		},
		{
			name:   "empty",
			output: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, down := parseStatsOutput(tt.output)
			if up != tt.up || down != tt.down {
				t.Errorf("parseStatsOutput() = %d/%d, want %d/%d", up, down, tt.up, tt.down)
			}
		})
	}
}

func TestStatsCollectorSpeeds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sc := NewStatsCollector("xray", 10085, clock)

	outputs := []string{
		`{"stat":[{"name":"inbound>>>socks>>>traffic>>>uplink","value":"1000"}]}`,
		`{"stat":[{"name":"inbound>>>socks>>>traffic>>>uplink","value":"3000"}]}`,
	}
	call := 0
	sc.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if args[3] != "127.0.0.1:10085" {
			t.Errorf("api addr = %q", args[3])
		}
		out := outputs[call]
		call++
		return []byte(out), nil
	}

	st, err := sc.Query(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalUpload != 1000 || st.UploadSpeed != 0 {
		t.Errorf("first sample = %+v", st)
	}

	clock.Advance(2 * time.Second)
	st, err = sc.Query(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalUpload != 3000 || st.UploadSpeed != 1000 {
		t.Errorf("second sample = %+v", st)
	}

	sc.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("connection refused")
	}
	if _, err := sc.Query(context.Background()); err == nil {
		t.Error("expected error when the API is unreachable")
	}
}
