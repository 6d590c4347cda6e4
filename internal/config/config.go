// Package config parses the controller's line-based configuration files:
// keyword=value pairs, "#" begins a comment, "\#" is an escaped literal
// hash. Three record kinds share one file (Include lines are not followed):
// the main daemon config, NodeName lines, and PartitionName lines; a
// fourth, optional kind configures the
// topology/container-execution plugin.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Main holds the daemon-wide settings.
type Main struct {
	ControlMachine    string
	BackupController  string
	SlurmUser         string
	StateSaveLocation string
	SlurmctldPort     int
	SlurmctldTimeout  int
	SlurmdTimeout     int
	KillWait          int
	FastSchedule      int
	HeartbeatInterval int
	Prolog            string
	Epilog            string
	TmpFS             string
	AuthType          string
	CredType          string
	SchedulerType     string
	SelectType        string
	TrackWCKey        bool
}

// NodeLine is one `NodeName=... CPUs=... RealMemory=... TmpDisk=... Weight=...
// Feature=...` configuration record. NodeName may itself be a hostlist
// pattern, expanded by internal/bitmap at load time.
type NodeLine struct {
	NodeName   string
	CPUs       int
	RealMemory int
	TmpDisk    int
	Weight     int
	Feature    []string
}

// PartitionLine is one `PartitionName=...` configuration record.
type PartitionLine struct {
	PartitionName string
	Nodes         string
	MaxTime       int
	MaxNodes      int
	Default       bool
	Shared        string // NO | YES | FORCE | EXCLUSIVE
	State         string // UP | DOWN
	AllowGroups   []string
}

// TopologyPlugin configures the container-execution substitution layer used
// by the topology/interconnect-context plugin. Pattern tokens %j %s %t %u
// %b %e %n %r %@ substitute job id, step id, task id, user, bundle, env
// file, node, rootfs, and original argv respectively at invocation time.
type TopologyPlugin struct {
	ContainerPath string
	RunTimeCreate string
	RunTimeDelete string
	RunTimeKill   string
	RunTimeQuery  string
	RunTimeRun    string
	RunTimeStart  string
	CreateEnvFile string
}

// File is the fully parsed configuration: the main section plus every
// NodeName/PartitionName/topology-plugin record encountered, in file order.
type File struct {
	Main       Main
	Nodes      []NodeLine
	Partitions []PartitionLine
	Topology   TopologyPlugin
}

// Load reads and parses the config file at path, or the SLURM_CONF
// environment override when path is empty.
func Load(path string) (*File, error) {
	if path == "" {
		if env := os.Getenv("SLURM_CONF"); env != "" {
			path = env
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads keyword=value records from r, dispatching each line by its
// leading record-kind keyword.
func Parse(r io.Reader) (*File, error) {
	cfg := &File{}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields, err := tokenize(line)
		if err != nil {
			return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
		}
		kv := toMap(fields)

		switch {
		case has(kv, "NodeName"):
			nl, err := parseNodeLine(kv)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			cfg.Nodes = append(cfg.Nodes, nl)
		case has(kv, "PartitionName"):
			pl, err := parsePartitionLine(kv)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			cfg.Partitions = append(cfg.Partitions, pl)
		case has(kv, "ContainerPath"), has(kv, "RunTimeCreate"):
			applyTopology(&cfg.Topology, kv)
		default:
			applyMain(&cfg.Main, kv)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stripComment removes everything from an unescaped '#' onward, unescaping
// "\#" to a literal '#' in the retained portion.
func stripComment(line string) string {
	var sb strings.Builder
	for i := 0; i < len(line); i++ {
		if line[i] == '\\' && i+1 < len(line) && line[i+1] == '#' {
			sb.WriteByte('#')
			i++
			continue
		}
		if line[i] == '#' {
			break
		}
		sb.WriteByte(line[i])
	}
	return sb.String()
}

func tokenize(line string) ([]string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	return fields, nil
}

func toMap(fields []string) map[string]string {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		i := strings.IndexByte(f, '=')
		if i < 0 {
			kv[f] = ""
			continue
		}
		kv[f[:i]] = f[i+1:]
	}
	return kv
}

func has(kv map[string]string, key string) bool {
	_, ok := kv[key]
	return ok
}

func atoiDefault(kv map[string]string, key string, def int) int {
	v, ok := kv[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolYesNo(kv map[string]string, key string) bool {
	return strings.EqualFold(kv[key], "YES")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseNodeLine(kv map[string]string) (NodeLine, error) {
	nl := NodeLine{
		NodeName:   kv["NodeName"],
		CPUs:       atoiDefault(kv, "CPUs", 1),
		RealMemory: atoiDefault(kv, "RealMemory", 1),
		TmpDisk:    atoiDefault(kv, "TmpDisk", 0),
		Weight:     atoiDefault(kv, "Weight", 1),
		Feature:    splitList(kv["Feature"]),
	}
	if nl.NodeName == "" {
		return nl, fmt.Errorf("NodeName is required")
	}
	return nl, nil
}

func parsePartitionLine(kv map[string]string) (PartitionLine, error) {
	pl := PartitionLine{
		PartitionName: kv["PartitionName"],
		Nodes:         kv["Nodes"],
		MaxTime:       atoiDefault(kv, "MaxTime", -1),
		MaxNodes:      atoiDefault(kv, "MaxNodes", -1),
		Default:       boolYesNo(kv, "Default"),
		Shared:        orDefault(kv["Shared"], "NO"),
		State:         orDefault(kv["State"], "UP"),
		AllowGroups:   splitList(kv["AllowGroups"]),
	}
	if pl.PartitionName == "" {
		return pl, fmt.Errorf("PartitionName is required")
	}
	return pl, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func applyTopology(t *TopologyPlugin, kv map[string]string) {
	if v, ok := kv["ContainerPath"]; ok {
		t.ContainerPath = v
	}
	if v, ok := kv["RunTimeCreate"]; ok {
		t.RunTimeCreate = v
	}
	if v, ok := kv["RunTimeDelete"]; ok {
		t.RunTimeDelete = v
	}
	if v, ok := kv["RunTimeKill"]; ok {
		t.RunTimeKill = v
	}
	if v, ok := kv["RunTimeQuery"]; ok {
		t.RunTimeQuery = v
	}
	if v, ok := kv["RunTimeRun"]; ok {
		t.RunTimeRun = v
	}
	if v, ok := kv["RunTimeStart"]; ok {
		t.RunTimeStart = v
	}
	if v, ok := kv["CreateEnvFile"]; ok {
		t.CreateEnvFile = v
	}
}

func applyMain(m *Main, kv map[string]string) {
	for k, v := range kv {
		switch k {
		case "ControlMachine":
			m.ControlMachine = v
		case "BackupController":
			m.BackupController = v
		case "SlurmUser":
			m.SlurmUser = v
		case "StateSaveLocation":
			m.StateSaveLocation = v
		case "SlurmctldPort":
			m.SlurmctldPort, _ = strconv.Atoi(v)
		case "SlurmctldTimeout":
			m.SlurmctldTimeout, _ = strconv.Atoi(v)
		case "SlurmdTimeout":
			m.SlurmdTimeout, _ = strconv.Atoi(v)
		case "KillWait":
			m.KillWait, _ = strconv.Atoi(v)
		case "FastSchedule":
			m.FastSchedule, _ = strconv.Atoi(v)
		case "HeartbeatInterval":
			m.HeartbeatInterval, _ = strconv.Atoi(v)
		case "Prolog":
			m.Prolog = v
		case "Epilog":
			m.Epilog = v
		case "TmpFS":
			m.TmpFS = v
		case "AuthType":
			m.AuthType = v
		case "CredType":
			m.CredType = v
		case "SchedulerType":
			m.SchedulerType = v
		case "SelectType":
			m.SelectType = v
		case "TrackWCKey":
			m.TrackWCKey = strings.EqualFold(v, "YES")
		}
	}
}

// validate checks the record-level invariants that don't require hostlist
// expansion; full node-name cross-referencing for each partition's Nodes
// field happens in internal/partitions once node names are expanded into
// the dense index.
func validate(cfg *File) error {
	defaults := 0
	for _, p := range cfg.Partitions {
		if p.Default {
			defaults++
		}
	}
	if len(cfg.Partitions) > 0 && defaults != 1 {
		return fmt.Errorf("config: exactly one partition must be Default=YES, found %d", defaults)
	}
	return nil
}
