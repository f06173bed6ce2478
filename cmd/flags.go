package cmd

const (
	storeEngineFlag   = "store-engine"
	storeEngineConf   = "store.engine"
	storeURIFlag      = "store-uri"
	storeURIConf      = "store.uri"
	storeDatabaseFlag = "store-database"
	storeDatabaseConf = "store.database"

	logFormatFlag = "log-format"
	logFormatConf = "log.format"
	logLevelFlag  = "log-level"
	logLevelConf  = "log.level"

	metricsFlag = "metrics"
	metricsConf = "metrics.enabled"

	modelsConf = "models"
)
