package client

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// Agents in the field report the same values in different shapes: at the
// top level, wrapped in "data", grouped under "system", or nested per relay
// ("mtproto": {"running": true} instead of "mtproto_running"). Everything
// below folds those shapes into the typed models.

var envelopes = [][]string{nil, {"data"}}

func parseHealth(body []byte) *models.NodeHealth {
	return &models.NodeHealth{
		MTProtoRunning: firstBool(body, []string{"mtproto_running"}, []string{"mtproto", "running"}),
		Socks5Running:  firstBool(body, []string{"socks5_running"}, []string{"socks5", "running"}),
		CPUPercent:     firstFloat(body, []string{"cpu_percent"}, []string{"system", "cpu_percent"}, []string{"cpu"}),
		MemoryPercent:  firstFloat(body, []string{"memory_percent"}, []string{"system", "memory_percent"}, []string{"memory", "percent"}),
		MemoryUsedMB:   int64(firstFloat(body, []string{"memory_used_mb"}, []string{"system", "memory_used_mb"}, []string{"memory", "used_mb"})),
		MemoryTotalMB:  int64(firstFloat(body, []string{"memory_total_mb"}, []string{"system", "memory_total_mb"}, []string{"memory", "total_mb"})),
		DiskPercent:    firstFloat(body, []string{"disk_percent"}, []string{"system", "disk_percent"}, []string{"disk", "percent"}),
		UptimeSeconds:  int64(firstFloat(body, []string{"uptime_seconds"}, []string{"system", "uptime_seconds"}, []string{"uptime"})),
	}
}

func parseStats(body []byte) *models.NodeStats {
	return &models.NodeStats{
		MTProtoConnections: int64(firstFloat(body,
			[]string{"mtproto_connections"}, []string{"mtproto", "connections"},
			[]string{"mtproto", "total_special_connections"}, []string{"total_special_connections"})),
		MTProtoWorkers: int(firstFloat(body, []string{"mtproto_workers"}, []string{"mtproto", "workers"})),
		MTProtoPort:    int(firstFloat(body, []string{"mtproto_port"}, []string{"mtproto", "port"})),
		NetRxBytes:     uint64(firstFloat(body, []string{"net_rx_bytes"}, []string{"network", "rx_bytes"}, []string{"system", "net_rx_bytes"})),
		NetTxBytes:     uint64(firstFloat(body, []string{"net_tx_bytes"}, []string{"network", "tx_bytes"}, []string{"system", "net_tx_bytes"})),
	}
}

// lookup returns the first value found for any path under any envelope.
func lookup(body []byte, paths ...[]string) ([]byte, jsonparser.ValueType, bool) {
	for _, env := range envelopes {
		for _, p := range paths {
			keys := append(append([]string{}, env...), p...)
			value, dataType, _, err := jsonparser.Get(body, keys...)
			if err == nil && dataType != jsonparser.NotExist && dataType != jsonparser.Null {
				return value, dataType, true
			}
		}
	}
	return nil, jsonparser.NotExist, false
}

func firstBool(body []byte, paths ...[]string) bool {
	value, dataType, ok := lookup(body, paths...)
	if !ok {
		return false
	}
	switch dataType {
	case jsonparser.Boolean:
		b, _ := jsonparser.ParseBoolean(value)
		return b
	case jsonparser.String:
		s := string(value)
		return s == "true" || s == "running" || s == "up"
	case jsonparser.Number:
		n, _ := jsonparser.ParseFloat(value)
		return n != 0
	}
	return false
}

func firstFloat(body []byte, paths ...[]string) float64 {
	value, dataType, ok := lookup(body, paths...)
	if !ok {
		return 0
	}
	switch dataType {
	case jsonparser.Number:
		f, _ := jsonparser.ParseFloat(value)
		return f
	case jsonparser.String:
		f, _ := strconv.ParseFloat(string(value), 64)
		return f
	}
	return 0
}

func firstString(body []byte, paths ...[]string) string {
	value, dataType, ok := lookup(body, paths...)
	if !ok || dataType != jsonparser.String {
		return ""
	}
	s, err := jsonparser.ParseString(value)
	if err != nil {
		return string(value)
	}
	return s
}

// decodeList unmarshals the array stored under key, or the body itself when
// the agent returns a bare array.
func decodeList(body []byte, key string, out any) error {
	value, dataType, ok := lookup(body, []string{key})
	if !ok {
		value, dataType, _, _ = jsonparser.Get(body)
	}
	switch dataType {
	case jsonparser.Array:
		return json.Unmarshal(value, out)
	case jsonparser.Null, jsonparser.NotExist:
		return nil
	}
	if ok {
		return fmt.Errorf("%s is not a list", key)
	}
	// an object without the key is an empty list
	return nil
}
