package db

import "time"

// Config describes one database connection. The same shape is used for the
// global database and for every regional store.
type Config struct {
	Type            string `mapstructure:"type"`
	Host            string `mapstructure:"host"`
	Port            string `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"sslmode"`
	DSN             string `mapstructure:"dsn"`
	MaxIdleConn     int    `mapstructure:"maxIdleConn"`
	MaxOpenConn     int    `mapstructure:"maxOpenConn"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetime"`
	ConnMaxIdleTime int    `mapstructure:"connMaxIdleTime"`
}

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = "postgres"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConn <= 0 {
		c.MaxIdleConn = 5
	}
	if c.MaxOpenConn <= 0 {
		c.MaxOpenConn = 20
	}
	return c
}

func (c Config) connMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

func (c Config) connMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTime) * time.Second
}
