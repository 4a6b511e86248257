package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/cliconfig"
)

var (
	doctorGenerateToken bool
	doctorProbeKafka    bool
	doctorJSON          bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, expert catalog, store, gateway exposure and Kafka mirror",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := cliconfig.RunDoctorWithOptions(cliconfig.DoctorOptions{
			GenerateGatewayToken: doctorGenerateToken,
			ProbeKafka:           doctorProbeKafka,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if doctorJSON {
			err = writeReportJSON(out, report)
		} else {
			writeReport(out, report)
		}
		if err != nil {
			return err
		}
		if report.HasFailures() {
			return fmt.Errorf("doctor: %d check(s) failed", countStatus(report, cliconfig.DoctorFail))
		}
		return nil
	},
}

var statusLabel = map[cliconfig.DoctorStatus]func(string, ...any) string{
	cliconfig.DoctorPass: color.GreenString,
	cliconfig.DoctorWarn: color.YellowString,
	cliconfig.DoctorFail: color.RedString,
}

func writeReport(w io.Writer, report cliconfig.DoctorReport) {
	for _, c := range report.Checks {
		label := strings.ToUpper(string(c.Status))
		if paint, ok := statusLabel[c.Status]; ok {
			label = paint("%s", label)
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", label, c.Name, c.Message)
	}
	fmt.Fprintf(w, "\n%d passed, %d warning(s), %d failed\n",
		countStatus(report, cliconfig.DoctorPass), countStatus(report, cliconfig.DoctorWarn), countStatus(report, cliconfig.DoctorFail))
}

func writeReportJSON(w io.Writer, report cliconfig.DoctorReport) error {
	type check struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	checks := make([]check, 0, len(report.Checks))
	for _, c := range report.Checks {
		checks = append(checks, check{Name: c.Name, Status: string(c.Status), Message: c.Message})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"ok": !report.HasFailures(), "checks": checks})
}

func countStatus(report cliconfig.DoctorReport, status cliconfig.DoctorStatus) int {
	n := 0
	for _, c := range report.Checks {
		if c.Status == status {
			n++
		}
	}
	return n
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorGenerateToken, "generate-gateway-token", false, "Generate and persist a new gateway auth token")
	doctorCmd.Flags().BoolVar(&doctorProbeKafka, "probe-kafka", false, "Dial the mirror brokers and check the topic")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(doctorCmd)
}
