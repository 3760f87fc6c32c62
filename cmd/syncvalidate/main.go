package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/commerce/dualwrite/internal/config"
	"github.com/commerce/dualwrite/internal/keylock"
	"github.com/commerce/dualwrite/internal/store"
	"github.com/commerce/dualwrite/internal/validator"
	"github.com/commerce/dualwrite/pkg/logger"
	"github.com/commerce/dualwrite/pkg/tracing"
)

type syncValidateConfig struct {
	NewDBURL        string
	LegacyDBURL     string
	NewSchema       string
	LegacySchema    string
	Entities        string
	Tolerance       string
	IgnoreFields    string
	BatchSize       int
	Verbose         bool
	Alert           bool
	WebhookURL      string
	SlackWebhookURL string
	Repair          bool
	RepairDirection string
	RepairThreshold int
	ReportPath      string
	Cron            string
	StoreHistory    bool
}

// drift 报告与告警里的单条漂移
type drift struct {
	EntityType     string   `json:"entity_type"`
	EntityKey      string   `json:"entity_key"`
	Classification string   `json:"classification"`
	Fields         []string `json:"fields,omitempty"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (syncValidateConfig, error) {
	fs := flag.NewFlagSet("syncvalidate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg syncValidateConfig
	fs.StringVar(&cfg.NewDBURL, "new-db-url", "", "PostgreSQL connection string for the new store")
	fs.StringVar(&cfg.LegacyDBURL, "legacy-db-url", "", "PostgreSQL connection string for the legacy store")
	fs.StringVar(&cfg.NewSchema, "new-schema", "dualwrite", "schema holding the new store tables")
	fs.StringVar(&cfg.LegacySchema, "legacy-schema", "public", "schema holding the legacy tables")
	fs.StringVar(&cfg.Entities, "entities", "", "entity types and parity fields, e.g. users:email,role;products:name,price")
	fs.StringVar(&cfg.Tolerance, "tolerance", "0.01", "absolute tolerance for numeric comparisons")
	fs.StringVar(&cfg.IgnoreFields, "ignore-fields", "updated_at", "comma separated fields excluded from comparison")
	fs.IntVar(&cfg.BatchSize, "batch-size", 500, "scan page size")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on drift")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for drift alerts")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", "", "slack webhook url for drift alerts")
	fs.BoolVar(&cfg.Repair, "repair", false, "auto repair drifted keys")
	fs.StringVar(&cfg.RepairDirection, "repair-direction", string(validator.NewToLegacy), "repair direction: new_to_legacy or legacy_to_new")
	fs.IntVar(&cfg.RepairThreshold, "repair-threshold", 100, "skip auto repair when drifted keys exceed this count")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled validation runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store validation history in the new store database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.NewDBURL) == "" {
		return cfg, errors.New("missing required --new-db-url")
	}
	if strings.TrimSpace(cfg.LegacyDBURL) == "" {
		return cfg, errors.New("missing required --legacy-db-url")
	}
	switch validator.Direction(cfg.RepairDirection) {
	case validator.NewToLegacy, validator.LegacyToNew:
	default:
		return cfg, fmt.Errorf("invalid --repair-direction %q", cfg.RepairDirection)
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	// 链路追踪随引擎环境配置，默认关闭
	shutdownTracing, err := tracing.Init(tracingConfig())
	if err != nil {
		fmt.Fprintf(errOut, "failed to init tracing: %v\n", err)
		return 2
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func tracingConfig() tracing.Config {
	engineCfg := config.Load()
	return tracing.Config{
		ServiceName: "syncvalidate",
		Endpoint:    engineCfg.Tracing.JaegerEndpoint,
		Enabled:     engineCfg.Tracing.Enabled,
		SampleRate:  engineCfg.Tracing.SampleRate,
	}
}

func runOnce(ctx context.Context, cfg syncValidateConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	newDB, err := opener(cfg.NewDBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to new store: %v\n", err)
		return 2
	}
	defer newDB.Close()

	legacyDB, err := opener(cfg.LegacyDBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to legacy store: %v\n", err)
		return 2
	}
	defer legacyDB.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := newDB.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping new store: %v\n", err)
		return 2
	}
	if err := legacyDB.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping legacy store: %v\n", err)
		return 2
	}

	code, err := runWithDBs(ctx, newDB, legacyDB, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg syncValidateConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled validation...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled validation...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled validation exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDBs(ctx context.Context, newDB, legacyDB *sql.DB, cfg syncValidateConfig, out, errOut io.Writer) (int, error) {
	v, registry, err := buildValidator(newDB, legacyDB, cfg)
	if err != nil {
		return 2, err
	}
	return runValidation(ctx, v, registry, newDB, cfg, out, errOut)
}

// buildValidator 用 CLI 旗标覆盖引擎默认配置装配校验器
func buildValidator(newDB, legacyDB *sql.DB, cfg syncValidateConfig) (*validator.Validator, *validator.Registry, error) {
	engineCfg := config.Load()
	engineCfg.Sync.NumericTolerance = cfg.Tolerance
	engineCfg.Sync.IgnoreFields = splitFields(cfg.IgnoreFields)
	engineCfg.Sync.AllowRepair = cfg.Repair
	if cfg.BatchSize > 0 {
		engineCfg.Sync.BatchSize = cfg.BatchSize
	}

	entities := strings.TrimSpace(cfg.Entities)
	if entities == "" {
		entities = engineCfg.Sync.ParityFields
	}
	registry, err := validator.ParseRegistry(entities)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --entities: %w", err)
	}

	primary := store.NewPostgres(newDB, cfg.NewSchema)
	secondary := store.NewPostgres(legacyDB, cfg.LegacySchema)

	v, err := validator.New(engineCfg, primary, secondary, keylock.New(), registry, logger.New("syncvalidate", io.Discard), nil)
	if err != nil {
		return nil, nil, err
	}
	return v, registry, nil
}

func runValidation(ctx context.Context, v *validator.Validator, registry *validator.Registry, historyDB *sql.DB, cfg syncValidateConfig, out, errOut io.Writer) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "validation.run")
	defer span.End()

	if cfg.Verbose {
		fmt.Fprintln(out, "Starting validation checks...")
	}

	var all []validator.DiffRecord
	types := registry.Types()
	for _, entityType := range types {
		if cfg.Verbose {
			fmt.Fprintf(out, "Validating %s...\n", entityType)
		}
		diffs, err := v.FullPass(ctx, entityType)
		if err != nil {
			return 2, fmt.Errorf("failed to validate %s: %w", entityType, err)
		}
		all = append(all, diffs...)
	}

	summary := validator.Summarize(all)

	var mismatches []validator.DiffRecord
	for i := range all {
		if all[i].Classification != validator.ClassMatch {
			mismatches = append(mismatches, all[i])
		}
	}

	repaired := []validator.DiffRecord{}
	unresolved := mismatches
	if cfg.Repair && len(mismatches) > 0 {
		if len(mismatches) > cfg.RepairThreshold {
			fmt.Fprintf(errOut, "auto repair skipped: %d drifted keys exceed threshold %d\n", len(mismatches), cfg.RepairThreshold)
		} else {
			var err error
			repaired, unresolved, err = repairDrift(ctx, v, mismatches, validator.Direction(cfg.RepairDirection))
			if err != nil {
				return 2, fmt.Errorf("failed to repair drift: %w", err)
			}
			if len(repaired) > 0 {
				fmt.Fprintf(out, "Repaired %d drifted keys\n", len(repaired))
			}
		}
	}

	report := buildReport(types, summary, mismatches, repaired, unresolved)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, historyDB, cfg.NewSchema, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if len(unresolved) == 0 {
		fmt.Fprintf(out, "✓ Validation passed: %d keys checked across %d entity types\n", summary.Total, len(types))
		return 0, nil
	}

	for _, d := range unresolved {
		fmt.Fprintf(errOut, "✗ Drift found: type=%s key=%s class=%s fields=%s\n",
			d.EntityType, d.EntityKey, d.Classification, strings.Join(d.FieldNames(), ","))
	}

	drifts := toDrifts(unresolved)
	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, drifts); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := sendSlackWebhook(ctx, cfg.SlackWebhookURL, drifts); err != nil {
			fmt.Fprintf(errOut, "slack webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

// repairDrift 只修当前方向能处理的分类，其余留在未解决清单
func repairDrift(ctx context.Context, v *validator.Validator, mismatches []validator.DiffRecord, direction validator.Direction) ([]validator.DiffRecord, []validator.DiffRecord, error) {
	repaired := []validator.DiffRecord{}
	var unresolved []validator.DiffRecord

	for i := range mismatches {
		record := mismatches[i]
		if !repairable(record.Classification, direction) {
			unresolved = append(unresolved, record)
			continue
		}
		if err := v.Repair(ctx, &record, direction); err != nil {
			return nil, nil, err
		}
		repaired = append(repaired, record)
	}
	return repaired, unresolved, nil
}

func repairable(class validator.Classification, direction validator.Direction) bool {
	if class == validator.ClassValueMismatch {
		return true
	}
	if direction == validator.LegacyToNew {
		return class == validator.ClassMissingInPrimary
	}
	return class == validator.ClassMissingInSecondary
}

type validationReport struct {
	RunAt            string                           `json:"run_at"`
	EntityTypes      []string                         `json:"entity_types"`
	Checked          int                              `json:"checked"`
	Matches          int                              `json:"matches"`
	MismatchCount    int                              `json:"mismatch_count"`
	RepairedCount    int                              `json:"repaired_count"`
	UnresolvedCount  int                              `json:"unresolved_count"`
	SyncPercent      float64                          `json:"sync_percent"`
	ByClassification map[validator.Classification]int `json:"by_classification"`
	TopFields        []string                         `json:"top_fields,omitempty"`
	Mismatches       []drift                          `json:"mismatches"`
	Repaired         []drift                          `json:"repaired"`
}

func buildReport(types []string, summary validator.Summary, mismatches, repaired, unresolved []validator.DiffRecord) validationReport {
	return validationReport{
		RunAt:            time.Now().UTC().Format(time.RFC3339),
		EntityTypes:      types,
		Checked:          summary.Total,
		Matches:          summary.Matches,
		MismatchCount:    len(mismatches),
		RepairedCount:    len(repaired),
		UnresolvedCount:  len(unresolved),
		SyncPercent:      summary.SyncPercent,
		ByClassification: summary.ByClassification,
		TopFields:        summary.TopFields,
		Mismatches:       toDrifts(mismatches),
		Repaired:         toDrifts(repaired),
	}
}

func toDrifts(records []validator.DiffRecord) []drift {
	out := make([]drift, 0, len(records))
	for i := range records {
		out = append(out, drift{
			EntityType:     records[i].EntityType,
			EntityKey:      records[i].EntityKey,
			Classification: string(records[i].Classification),
			Fields:         records[i].FieldNames(),
		})
	}
	return out
}

func writeReport(path string, report validationReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func storeHistory(ctx context.Context, db *sql.DB, schema string, report validationReport) error {
	if db == nil {
		return errors.New("history database unavailable")
	}
	if schema == "" {
		schema = "public"
	}
	table := pq.QuoteIdentifier(schema) + ".validation_history"

	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+table+` (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    report JSONB NOT NULL
);`)
	if err != nil {
		return err
	}

	status := "ok"
	if report.UnresolvedCount > 0 {
		status = "drift"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO `+table+` (run_at, status, report)
VALUES ($1, $2, $3);`, report.RunAt, status, payload)
	return err
}

func sendWebhook(ctx context.Context, url string, drifts []drift) error {
	payload := map[string]interface{}{
		"message": "data sync drift detected",
		"drifts":  drifts,
	}
	return postJSON(ctx, url, payload)
}

func sendSlackWebhook(ctx context.Context, url string, drifts []drift) error {
	payload := map[string]string{
		"text": buildAlertMessage("Data sync drift detected", drifts),
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, drifts []drift) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, d := range drifts {
		fmt.Fprintf(&b, "type=%s key=%s class=%s\n", d.EntityType, d.EntityKey, d.Classification)
	}
	return strings.TrimSpace(b.String())
}

func splitFields(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
