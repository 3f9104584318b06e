package config

type Config struct {
	LogLevel string `env:"LOG_LEVEL"`
	LogFile  string `env:"LOG_FILE"`
}
