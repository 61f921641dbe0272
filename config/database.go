package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	godotenv.Load()
	// Cloud Run needs $PORT bound quickly, so nothing here waits for MySQL.
}

// DatabaseSettings is the MySQL connection and pool configuration.
type DatabaseSettings struct {
	User     string `validate:"required"`
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required_without=SocketDir"`
	Name     string `validate:"required"`

	// SocketDir is set when Host is a Cloud SQL "/cloudsql/<instance>" path.
	SocketDir string

	MaxOpenConns    int           `validate:"gte=1"`
	MaxIdleConns    int           `validate:"gte=0"`
	ConnMaxLifetime time.Duration `validate:"gte=0"`
	ConnMaxIdleTime time.Duration `validate:"gte=0"`

	// GormLogFile receives SQL at info level when set.
	GormLogFile string
}

var databaseValidator = validator.New()

// LoadDatabaseSettings reads DB_* variables. Pool env overrides:
// DB_MAX_OPEN_CONNS (25), DB_MAX_IDLE_CONNS (10),
// DB_CONN_MAX_LIFETIME_SECONDS (300), DB_CONN_MAX_IDLE_TIME_SECONDS (60).
func LoadDatabaseSettings() (*DatabaseSettings, error) {
	s := &DatabaseSettings{
		User:            strings.TrimSpace(os.Getenv("DB_USER")),
		Password:        os.Getenv("DB_PASSWORD"),
		Host:            strings.TrimSpace(os.Getenv("DB_HOST")),
		Port:            strings.TrimSpace(os.Getenv("DB_PORT")),
		Name:            strings.TrimSpace(os.Getenv("DB_NAME")),
		MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		ConnMaxIdleTime: time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		GormLogFile:     strings.TrimSpace(os.Getenv("GORM_LOG")),
	}
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		s.SocketDir = s.Host
	}
	if err := databaseValidator.Struct(s); err != nil {
		return nil, err
	}
	return s, nil
}

// DSN is the go-sql-driver/mysql connection string.
func (s *DatabaseSettings) DSN() string {
	network, address := "tcp", fmt.Sprintf("%s:%s", s.Host, s.Port)
	if s.SocketDir != "" {
		network, address = "unix", s.SocketDir
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
		s.User, s.Password, network, address, s.Name)
}

// ConnectDatabaseWithRetry connects and sets the global DB, retrying with a
// capped backoff. Call it from main() after the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	logger := GetLogger()
	settings, err := LoadDatabaseSettings()
	if err != nil {
		logger.WithError(err).Fatal("invalid database settings")
	}

	gormConfig := &gorm.Config{
		Logger:         newGormLogger(settings.GormLogFile),
		NamingStrategy: schema.NamingStrategy{},
	}
	dsn := settings.DSN()

	for attempt := 1; ; attempt++ {
		conn, err := gorm.Open(mysql.Open(dsn), gormConfig)
		if err == nil {
			applyPool(conn, settings)
			if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
				logger.WithError(pluginErr).Warn("otelgorm plugin not installed")
			}
			db = conn
			logger.WithField("attempt", attempt).Info("connected to database")
			return
		}

		sleep := retrySleep(attempt)
		logger.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).WithError(err).Warn("database connect failed")
		time.Sleep(sleep)
	}
}

func applyPool(conn *gorm.DB, s *DatabaseSettings) {
	sqlDB, err := conn.DB()
	if err != nil || sqlDB == nil {
		return
	}
	sqlDB.SetMaxOpenConns(s.MaxOpenConns)
	sqlDB.SetMaxIdleConns(s.MaxIdleConns)
	if s.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
	}
	if s.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
	}
}

// newGormLogger sends SQL errors through logrus. With a log file every
// statement is appended there instead; the file is opened once per process.
func newGormLogger(path string) gormlogger.Interface {
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			return gormlogger.New(log.New(f, "\r\n", log.LstdFlags), gormlogger.Config{
				LogLevel:      gormlogger.Info,
				SlowThreshold: time.Second,
			})
		}
		GetLogger().WithError(err).Warn("GORM_LOG not writable; logging SQL errors only")
	}
	return gormlogger.New(GetLogger(), gormlogger.Config{
		LogLevel:      gormlogger.Error,
		SlowThreshold: time.Second,
	})
}

// retrySleep is 2^attempt seconds, capped at 30s.
func retrySleep(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
