package config

type Config struct {
	ServerAddr  string `env:"RUN_ADDRESS"`
	TokenSecret string `env:"TOKEN_SECRET"`
}
