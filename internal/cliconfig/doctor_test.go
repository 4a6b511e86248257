package cliconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KafClaw/KafPanel/internal/agent"
	"github.com/KafClaw/KafPanel/internal/config"
)

func TestRunDoctorWithMissingConfigWarnsNoFailure(t *testing.T) {
	isolate(t)
	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	if c, ok := report.Check("config_file"); !ok || c.Status != DoctorWarn {
		t.Fatalf("config_file = %#v", c)
	}
	if c, ok := report.Check("experts_catalog"); !ok || c.Status != DoctorWarn {
		t.Fatalf("experts_catalog = %#v", c)
	}
	if c, ok := report.Check("store"); !ok || c.Status != DoctorPass {
		t.Fatalf("store = %#v", c)
	}
}

func TestRunDoctorWithInvalidConfigFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway":`)
	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if !report.HasFailures() {
		t.Fatal("expected failure for invalid config")
	}
	if c, ok := report.Check("config_load"); !ok || c.Status != DoctorFail {
		t.Fatalf("config_load = %#v", c)
	}
}

func TestRunDoctorExposedGatewayRequiresAuthToken(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway":{"host":"0.0.0.0"}}`)
	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := report.Check("gateway_exposure"); c.Status != DoctorFail {
		t.Fatalf("gateway_exposure = %#v", c)
	}

	writeConfig(t, home, `{"gateway":{"host":"0.0.0.0","authToken":"secret"}}`)
	report, err = RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := report.Check("gateway_exposure"); c.Status != DoctorWarn {
		t.Fatalf("gateway_exposure with token = %#v", c)
	}
}

func TestRunDoctorChecksCatalog(t *testing.T) {
	home := isolate(t)
	catalog := filepath.Join(home, "experts.yaml")
	writeConfig(t, home, `{"paths":{"expertsFile":"`+catalog+`"}}`)

	if err := os.WriteFile(catalog, []byte(agent.DefaultCatalogYAML), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	report, _ := RunDoctor()
	if c, _ := report.Check("experts_catalog"); c.Status != DoctorPass {
		t.Fatalf("valid catalog = %#v", c)
	}

	if err := os.WriteFile(catalog, []byte("experts: [\n"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	report, _ = RunDoctor()
	if c, _ := report.Check("experts_catalog"); c.Status != DoctorFail {
		t.Fatalf("broken catalog = %#v", c)
	}
}

func TestRunDoctorMemoryStoreWarns(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"store":{"driver":"memory"},"mirror":{"brokers":"k1:9092"}}`)
	report, _ := RunDoctor()
	if c, _ := report.Check("store"); c.Status != DoctorWarn {
		t.Fatalf("store = %#v", c)
	}
	if c, _ := report.Check("kafka_mirror"); c.Status != DoctorPass {
		t.Fatalf("kafka_mirror = %#v", c)
	}
}

func TestDoctorGenerateGatewayToken(t *testing.T) {
	isolate(t)
	report, err := RunDoctorWithOptions(DoctorOptions{GenerateGatewayToken: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := report.Check("gateway_token"); c.Status != DoctorPass {
		t.Fatalf("gateway_token = %#v", c)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Gateway.AuthToken) != 64 {
		t.Fatalf("expected 64-char hex token, got %q", cfg.Gateway.AuthToken)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"localhost": true,
		"::1":       true,
		"127.0.0.2": true,
		"0.0.0.0":   false,
		"10.0.0.5":  false,
		"":          false,
	}
	for host, want := range cases {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestRunDoctorProbeKafkaFailsOnUnreachableBroker(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"mirror":{"brokers":"127.0.0.1:1","topic":"kafpanel.events"}}`)
	report, err := RunDoctorWithOptions(DoctorOptions{ProbeKafka: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if c, _ := report.Check("kafka_mirror"); c.Status != DoctorFail {
		t.Fatalf("kafka_mirror = %#v", c)
	}
}
