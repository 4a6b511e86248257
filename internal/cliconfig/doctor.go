package cliconfig

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/config"
	"github.com/KafClaw/KafPanel/internal/mirror"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

type DoctorReport struct {
	Checks []DoctorCheck
}

type DoctorOptions struct {
	GenerateGatewayToken bool
	// ProbeKafka dials the mirror brokers and describes the topic.
	ProbeKafka bool
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

// Check returns the named check, if the report has one.
func (r DoctorReport) Check(name string) (DoctorCheck, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DoctorCheck{}, false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

// RunDoctorWithOptions inspects the config file, the expert catalog, the
// session store location, the gateway exposure and the Kafka mirror.
func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 8)}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		token, genErr := randomToken()
		switch {
		case genErr != nil:
			report.add("gateway_token", DoctorFail, "failed to generate token: %v", genErr)
		default:
			cfg.Gateway.AuthToken = token
			if saveErr := config.Save(cfg); saveErr != nil {
				report.add("gateway_token", DoctorFail, "generated token but failed to save config: %v", saveErr)
			} else {
				report.add("gateway_token", DoctorPass, "generated and saved gateway auth token")
			}
		}
	}

	checkCatalog(&report, cfg)
	checkStore(&report, cfg)
	checkGateway(&report, cfg)

	checkMirror(&report, cfg, opts.ProbeKafka)

	return report, nil
}

func checkCatalog(report *DoctorReport, cfg *config.Config) {
	path := cfg.Paths.ExpertsFile
	if strings.TrimSpace(path) == "" {
		report.add("experts_catalog", DoctorWarn, "paths.expertsFile is empty; built-in catalog will be used")
		return
	}
	cat, err := agent.LoadCatalog(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			report.add("experts_catalog", DoctorWarn, "no catalog at %s; built-in catalog will be used (run `kafpanel experts init`)", path)
			return
		}
		report.add("experts_catalog", DoctorFail, "catalog %s is invalid: %v", path, err)
		return
	}
	defaults := 0
	for _, e := range cat.Experts {
		if e.Default {
			defaults++
		}
	}
	if defaults == 0 {
		report.add("experts_catalog", DoctorWarn, "catalog has %d expert(s) but none is marked default", len(cat.Experts))
		return
	}
	report.add("experts_catalog", DoctorPass, "catalog has %d expert(s), %d default", len(cat.Experts), defaults)
}

func checkStore(report *DoctorReport, cfg *config.Config) {
	if cfg.Store.Driver == config.StoreMemory {
		report.add("store", DoctorWarn, "memory store selected; panels are lost on restart")
		return
	}
	dir := filepath.Dir(cfg.Store.Path)
	if err := config.EnsureDir(dir); err != nil {
		report.add("store", DoctorFail, "cannot create store directory %s: %v", dir, err)
		return
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		report.add("store", DoctorFail, "store directory %s is not writable: %v", dir, err)
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	report.add("store", DoctorPass, "sqlite store at %s", cfg.Store.Path)
}

func checkGateway(report *DoctorReport, cfg *config.Config) {
	hasToken := strings.TrimSpace(cfg.Gateway.AuthToken) != ""
	switch {
	case isLoopbackHost(cfg.Gateway.Host):
		report.add("gateway_exposure", DoctorPass, "gateway.host is loopback (%s)", cfg.Gateway.Host)
	case hasToken:
		report.add("gateway_exposure", DoctorWarn, "gateway.host is non-loopback (%s); bearer auth is enabled", cfg.Gateway.Host)
	default:
		report.add("gateway_exposure", DoctorFail, "gateway.host is non-loopback (%s) without gateway.authToken (or KAFPANEL_GATEWAY_AUTH_TOKEN)", cfg.Gateway.Host)
	}
	if (cfg.Gateway.TLSCert == "") != (cfg.Gateway.TLSKey == "") {
		report.add("gateway_tls", DoctorFail, "gateway.tlsCert and gateway.tlsKey must be set together")
	}
}

func checkMirror(report *DoctorReport, cfg *config.Config, probe bool) {
	if !cfg.Mirror.Enabled() {
		report.add("kafka_mirror", DoctorPass, "kafka mirror disabled (mirror.brokers is empty)")
		return
	}
	if !probe {
		report.add("kafka_mirror", DoctorPass, "mirroring events to %s on %s", cfg.Mirror.Topic, cfg.Mirror.Brokers)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := mirror.Probe(ctx, cfg.Mirror, 5*time.Second)
	if err != nil {
		report.add("kafka_mirror", DoctorFail, "kafka probe failed: %v", err)
		return
	}
	report.add("kafka_mirror", DoctorPass, "topic %s visible on %s (%d partitions, %d with leader)", cfg.Mirror.Topic, res.Broker, res.Partitions, res.Leaders)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
