package agent

import (
	"encoding/json"
	"fmt"
)

// Flatteners convert one agent JSON document into dotted metric paths.
// Fields that fail to decode as numbers are skipped, not treated as zero.

func flattenCPU(body []byte, into map[string]float64) error {
	obj, err := decodeObject(body)
	if err != nil {
		return err
	}
	for _, field := range []string{"total", "user", "system", "idle", "iowait", "steal"} {
		if raw, ok := obj[field]; ok {
			if v, ok := numericField(raw); ok {
				into["cpu."+field] = v
			}
		}
	}
	if _, ok := into["cpu.total"]; !ok {
		return fmt.Errorf("cpu document missing numeric total")
	}
	return nil
}

func flattenMemory(body []byte, into map[string]float64) error {
	obj, err := decodeObject(body)
	if err != nil {
		return err
	}
	for _, field := range []string{"percent", "total", "used", "free", "available"} {
		if raw, ok := obj[field]; ok {
			if v, ok := numericField(raw); ok {
				into["mem."+field] = v
			}
		}
	}
	if _, ok := into["mem.percent"]; !ok {
		return fmt.Errorf("mem document missing numeric percent")
	}
	return nil
}

func flattenLoad(body []byte, into map[string]float64) error {
	obj, err := decodeObject(body)
	if err != nil {
		return err
	}
	for _, field := range []string{"min1", "min5", "min15", "cpucore"} {
		if raw, ok := obj[field]; ok {
			if v, ok := numericField(raw); ok {
				into["load."+field] = v
			}
		}
	}
	return nil
}

// flattenFilesystems reduces the per-mount list to the worst-case usage, the
// root filesystem's usage, and the mount count.
func flattenFilesystems(body []byte, into map[string]float64) error {
	var mounts []map[string]json.RawMessage
	if err := json.Unmarshal(body, &mounts); err != nil {
		return err
	}

	worst := 0.0
	seen := 0
	for _, mount := range mounts {
		raw, ok := mount["percent"]
		if !ok {
			continue
		}
		pct, ok := numericField(raw)
		if !ok {
			continue
		}
		seen++
		if pct > worst {
			worst = pct
		}

		var mnt string
		if rawMnt, ok := mount["mnt_point"]; ok {
			json.Unmarshal(rawMnt, &mnt)
		}
		if mnt == "/" {
			into["fs.root.percent"] = pct
		}
	}

	if seen == 0 {
		return fmt.Errorf("fs document has no decodable mounts")
	}
	into["fs.percent"] = worst
	into["fs.count"] = float64(seen)
	return nil
}

// flattenNetwork aggregates per-interface counters into a fleet-comparable
// error rate percentage.
func flattenNetwork(body []byte, into map[string]float64) error {
	var ifaces []map[string]json.RawMessage
	if err := json.Unmarshal(body, &ifaces); err != nil {
		return err
	}

	var errors, packets float64
	for _, iface := range ifaces {
		for _, field := range []string{"rx_errors", "tx_errors"} {
			if raw, ok := iface[field]; ok {
				if v, ok := numericField(raw); ok {
					errors += v
				}
			}
		}
		for _, field := range []string{"rx_packets", "tx_packets"} {
			if raw, ok := iface[field]; ok {
				if v, ok := numericField(raw); ok {
					packets += v
				}
			}
		}
	}

	into["network.interfaces"] = float64(len(ifaces))
	if packets > 0 {
		into["network.error_rate"] = errors / packets * 100
	} else {
		into["network.error_rate"] = 0
	}
	return nil
}

// flattenContainers reduces the optional container list to totals. Hosts
// without a container runtime simply never contribute these paths.
func flattenContainers(body []byte, into map[string]float64) error {
	var containers []map[string]json.RawMessage
	if err := json.Unmarshal(body, &containers); err != nil {
		return err
	}

	running := 0
	for _, c := range containers {
		var status string
		if raw, ok := c["status"]; ok {
			json.Unmarshal(raw, &status)
		}
		if status == "running" {
			running++
		}
	}
	into["containers.count"] = float64(len(containers))
	into["containers.running"] = float64(running)
	return nil
}

func flattenProcessCount(body []byte, into map[string]float64) error {
	obj, err := decodeObject(body)
	if err != nil {
		return err
	}
	for _, field := range []string{"total", "running", "sleeping", "thread"} {
		if raw, ok := obj[field]; ok {
			if v, ok := numericField(raw); ok {
				into["processcount."+field] = v
			}
		}
	}
	if _, ok := into["processcount.total"]; !ok {
		return fmt.Errorf("processcount document missing numeric total")
	}
	return nil
}
