package xray

import (
	"testing"

	"corekeeper/internal/core/types"
)

func TestParseStatsOutput(t *testing.T) {
	tests := []struct {
		desc string
		text string
		want types.TrafficCounters
	}{
		{
			desc: "json numbers and strings",
			text: `{"stat":[
				{"name":"inbound>>>socks-in>>>traffic>>>uplink","value":10},
				{"name":"inbound>>>http-in>>>traffic>>>uplink","value":"5"},
				{"name":"inbound>>>api-in>>>traffic>>>uplink","value":999},
				{"name":"outbound>>>proxy>>>traffic>>>downlink","value":300},
				{"name":"outbound>>>direct>>>traffic>>>uplink","value":4},
				{"name":"user>>>x>>>traffic>>>uplink","value":1}
			]}`,
			want: types.TrafficCounters{
				types.StatsInbound:        {Uplink: 15},
				types.StatsOutboundProxy:  {Downlink: 300},
				types.StatsOutboundDirect: {Uplink: 4},
			},
		},
		{
			desc: "empty json",
			text: `{}`,
			want: types.TrafficCounters{
				types.StatsInbound:        {},
				types.StatsOutboundProxy:  {},
				types.StatsOutboundDirect: {},
			},
		},
		{
			desc: "line format",
			text: `stat: <
  name: "outbound>>>proxy>>>traffic>>>uplink"
  value: 42
>
stat: <
  name: "outbound>>>proxy>>>traffic>>>downlink"
  value: 58
>`,
			want: types.TrafficCounters{
				types.StatsInbound:        {},
				types.StatsOutboundProxy:  {Uplink: 42, Downlink: 58},
				types.StatsOutboundDirect: {},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got := parseStatsOutput([]byte(tt.text))
			for st, want := range tt.want {
				if got[st] != want {
					t.Errorf("%s = %+v, want %+v", st, got[st], want)
				}
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Xray 1.8.24 (Xray, Penetrates Everything.) Custom\nA unified platform", "1.8.24"},
		{"v2.0.0", "v2.0.0"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parseVersion([]byte(tt.in)); got != tt.want {
			t.Errorf("parseVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
