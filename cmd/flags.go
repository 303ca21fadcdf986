package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// mustBindPFlag attempts to bind a specific key to a pflag (as used by
// cobra) and panics if the binding fails with a non-nil error.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func mustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// runFlag bridges one cobra flag to the config value viper manages.
type runFlag struct {
	name string
	key  string
	envs []string
}

var runFlags = []runFlag{
	{"datastore-engine", "datastore.engine", []string{"INSIGHTS_DATASTORE_ENGINE"}},
	{"datastore-uri", "datastore.uri", []string{"INSIGHTS_DATASTORE_URI"}},
	{"datastore-max-open-conns", "datastore.maxOpenConns", []string{"INSIGHTS_DATASTORE_MAX_OPEN_CONNS", "INSIGHTS_DATASTORE_MAXOPENCONNS"}},
	{"datastore-max-idle-conns", "datastore.maxIdleConns", []string{"INSIGHTS_DATASTORE_MAX_IDLE_CONNS", "INSIGHTS_DATASTORE_MAXIDLECONNS"}},
	{"datastore-conn-max-idle-time", "datastore.connMaxIdleTime", []string{"INSIGHTS_DATASTORE_CONN_MAX_IDLE_TIME", "INSIGHTS_DATASTORE_CONNMAXIDLETIME"}},
	{"datastore-conn-max-lifetime", "datastore.connMaxLifetime", []string{"INSIGHTS_DATASTORE_CONN_MAX_LIFETIME", "INSIGHTS_DATASTORE_CONNMAXLIFETIME"}},
	{"claims-medium", "claims.medium", []string{"INSIGHTS_CLAIMS_MEDIUM"}},
	{"claims-root", "claims.root", []string{"INSIGHTS_CLAIMS_ROOT"}},
	{"claims-table", "claims.table", []string{"INSIGHTS_CLAIMS_TABLE"}},
	{"claims-ttl", "claims.ttl", []string{"INSIGHTS_CLAIMS_TTL"}},
	{"max-concurrent-contacts", "dispatch.maxConcurrentContacts", []string{"INSIGHTS_MAX_CONCURRENT_CONTACTS", "INSIGHTS_DISPATCH_MAXCONCURRENTCONTACTS"}},
	{"fetch-limit", "dispatch.fetchLimit", []string{"INSIGHTS_FETCH_LIMIT", "INSIGHTS_DISPATCH_FETCHLIMIT"}},
	{"max-total-tokens-per-call", "dispatch.maxTotalTokensPerCall", []string{"INSIGHTS_MAX_TOTAL_TOKENS_PER_CALL", "INSIGHTS_DISPATCH_MAXTOTALTOKENSPERCALL"}},
	{"contention-backoff-min", "dispatch.contentionBackoffMin", []string{"INSIGHTS_CONTENTION_BACKOFF_MIN", "INSIGHTS_DISPATCH_CONTENTIONBACKOFFMIN"}},
	{"contention-backoff-max", "dispatch.contentionBackoffMax", []string{"INSIGHTS_CONTENTION_BACKOFF_MAX", "INSIGHTS_DISPATCH_CONTENTIONBACKOFFMAX"}},
	{"evidence-table", "selection.evidenceTable", []string{"INSIGHTS_EVIDENCE_TABLE", "INSIGHTS_SELECTION_EVIDENCETABLE"}},
	{"membership-table", "selection.membershipTable", []string{"INSIGHTS_MEMBERSHIP_TABLE", "INSIGHTS_SELECTION_MEMBERSHIPTABLE"}},
	{"processed-table", "selection.processedTable", []string{"INSIGHTS_PROCESSED_TABLE", "INSIGHTS_SELECTION_PROCESSEDTABLE"}},
	{"generator", "selection.generator", []string{"INSIGHTS_GENERATOR", "INSIGHTS_SELECTION_GENERATOR"}},
	{"filters-path", "selection.filtersPath", []string{"INSIGHTS_FILTERS_PATH", "INSIGHTS_SELECTION_FILTERSPATH"}},
	{"prioritize-recent", "selection.prioritizeRecent", []string{"INSIGHTS_PRIORITIZE_RECENT", "INSIGHTS_SELECTION_PRIORITIZERECENT"}},
	{"output-dir", "run.outputDir", []string{"INSIGHTS_OUTPUT_DIR", "INSIGHTS_RUN_OUTPUTDIR"}},
	{"fallback-log-path", "run.fallbackLogPath", []string{"INSIGHTS_FALLBACK_LOG_PATH", "INSIGHTS_RUN_FALLBACKLOGPATH"}},
	{"log-format", "log.format", []string{"INSIGHTS_LOG_FORMAT"}},
	{"log-level", "log.level", []string{"INSIGHTS_LOG_LEVEL"}},
	{"metrics-enabled", "metrics.enabled", []string{"INSIGHTS_METRICS_ENABLED"}},
	{"metrics-addr", "metrics.addr", []string{"INSIGHTS_METRICS_ADDR"}},
}

// bindRunFlags registers the run configuration flags on the command and,
// just before the command executes, binds them to the equivalent config
// value being managed by viper. Binding is deferred to PreRun so that
// sibling commands sharing these flags never steal each other's keys.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('postgres', 'mysql' or 'sqlite')")
	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore")
	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")

	flags.String("claims-medium", defaultConfig.Claims.Medium, "the claim medium shared by cooperating dispatchers ('filesystem', 'sql' or 'memory')")
	flags.String("claims-root", defaultConfig.Claims.Root, "the claim directory for the filesystem medium")
	flags.String("claims-table", defaultConfig.Claims.Table, "the claim table for the sql medium")
	flags.Duration("claims-ttl", defaultConfig.Claims.TTL, "the claim lifetime; must exceed the worst-case per-contact processing time")

	flags.Int("max-concurrent-contacts", defaultConfig.Dispatch.MaxConcurrentContacts, "the hard ceiling on contacts processed concurrently")
	flags.Int("fetch-limit", defaultConfig.Dispatch.FetchLimit, "the maximum number of candidates one fill query may return")
	flags.Int("max-total-tokens-per-call", defaultConfig.Dispatch.MaxTotalTokensPerCall, "the estimated token ceiling for one downstream call (0 disables)")
	flags.Duration("contention-backoff-min", defaultConfig.Dispatch.ContentionBackoffMin, "the minimum sleep after a fully contended fill cycle")
	flags.Duration("contention-backoff-max", defaultConfig.Dispatch.ContentionBackoffMax, "the maximum sleep after a fully contended fill cycle")

	flags.String("evidence-table", defaultConfig.Selection.EvidenceTable, "the table holding one row per ENI")
	flags.String("membership-table", defaultConfig.Selection.MembershipTable, "the table holding contact membership status")
	flags.String("processed-table", defaultConfig.Selection.ProcessedTable, "the processing log table")
	flags.String("generator", defaultConfig.Selection.Generator, "the generator tag processing log rows are recorded under")
	flags.String("filters-path", defaultConfig.Selection.FiltersPath, "the YAML file of allowed (source type, subtype) pairs")
	flags.Bool("prioritize-recent", defaultConfig.Selection.PrioritizeRecent, "order candidates by most recent evidence first")

	flags.String("output-dir", defaultConfig.Run.OutputDir, "the directory run artifacts are written under")
	flags.String("fallback-log-path", defaultConfig.Run.FallbackLogPath, "the local processing log consulted when the datastore log is unreachable")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable the Prometheus metrics endpoint")
	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the metrics endpoint on")

	command.PreRun = func(c *cobra.Command, _ []string) {
		for _, rf := range runFlags {
			mustBindPFlag(rf.key, c.Flags().Lookup(rf.name))
			mustBindEnv(append([]string{rf.key}, rf.envs...)...)
		}
	}
}
