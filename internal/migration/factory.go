package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/abflow/config"
)

// NewMigratorFromConfig 由应用配置创建迁移器。
// store.type 为关系型时以其作为方言，否则使用 database.driver。
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	dbCfg := cfg.Database
	switch cfg.Store.Type {
	case "sqlite", "postgres", "mysql":
		dbCfg.Driver = cfg.Store.Type
	}
	return NewMigratorFromDatabaseConfig(dbCfg)
}

// NewMigratorFromDatabaseConfig 由数据库配置创建迁移器
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	dbURL, dbType, err := DatabaseURLFromConfig(dbCfg)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}

// DatabaseURLFromConfig 将数据库配置转换为 golang-migrate 连接串
func DatabaseURLFromConfig(dbCfg appconfig.DatabaseConfig) (string, DatabaseType, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}

	switch dbType {
	case DatabaseTypePostgres:
		return BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode), dbType, nil
	case DatabaseTypeMySQL:
		return BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, ""), dbType, nil
	default:
		// sqlite 的 Name 为文件路径
		return BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", ""), dbType, nil
	}
}

// NewMigratorFromURL 由连接串创建迁移器
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    "schema_migrations",
	})
}
