package xray

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"corekeeper/internal/core/types"
)

// statName splits "inbound>>>socks-in>>>traffic>>>uplink" into the counter it
// belongs to and its direction.
func statName(name string) (types.StatisticsType, string, bool) {
	parts := strings.Split(name, ">>>")
	if len(parts) != 4 || parts[2] != "traffic" {
		return "", "", false
	}
	kind, tag, dir := parts[0], parts[1], parts[3]

	var st types.StatisticsType
	switch {
	case kind == "inbound" && (tag == tagSOCKSIn || tag == tagHTTPIn):
		st = types.StatsInbound
	case kind == "outbound" && tag == tagProxy:
		st = types.StatsOutboundProxy
	case kind == "outbound" && tag == tagDirect:
		st = types.StatsOutboundDirect
	default:
		return "", "", false
	}
	if dir != "uplink" && dir != "downlink" {
		return "", "", false
	}
	return st, dir, true
}

func addStat(counters types.TrafficCounters, name string, value uint64) {
	st, dir, ok := statName(name)
	if !ok {
		return
	}
	c := counters[st]
	if dir == "uplink" {
		c.Uplink += value
	} else {
		c.Downlink += value
	}
	counters[st] = c
}

// parseStatsOutput parses the output of `xray api statsquery`.
// Output format: {"stat":[{"name":"inbound>>>socks-in>>>traffic>>>uplink","value":12345}, ...]}
// Older builds quote the value or print name:/value: lines instead.
func parseStatsOutput(output []byte) types.TrafficCounters {
	counters := types.TrafficCounters{
		types.StatsInbound:        {},
		types.StatsOutboundProxy:  {},
		types.StatsOutboundDirect: {},
	}

	var result struct {
		Stat []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		} `json:"stat"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(output), &result); err != nil {
		parseStatsLines(counters, string(output))
		return counters
	}

	for _, s := range result.Stat {
		raw := strings.Trim(string(s.Value), `"`)
		if raw == "" {
			continue
		}
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		addStat(counters, s.Name, val)
	}
	return counters
}

// parseStatsLines handles the line-by-line output format.
func parseStatsLines(counters types.TrafficCounters, output string) {
	var currentName string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "name:"):
			currentName = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "name:")), `"`)
		case strings.HasPrefix(line, "value:"):
			valStr := strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, "value:")), `"`)
			val, err := strconv.ParseUint(valStr, 10, 64)
			if err == nil && currentName != "" {
				addStat(counters, currentName, val)
			}
			currentName = ""
		}
	}
}
