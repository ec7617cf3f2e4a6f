package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries all runtime settings. Values come from EVALROOM_*
// environment variables with sane defaults underneath.
type Config struct {
	HTTP struct {
		Host         string
		Port         int
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
	}
	Database struct {
		Path string
	}
	WebSocket struct {
		PingInterval time.Duration
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		BufferSize   int
	}
	Room struct {
		// TeacherName is the reserved display name that joins with the
		// teacher role.
		TeacherName string
	}
}

// Load reads configuration from the environment.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 4000)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("database.path", "./evalroom.db")

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.buffer_size", 100)

	v.SetDefault("room.teacher_name", "Docente_Master")

	v.BindEnv("http.host", "EVALROOM_HTTP_HOST")
	v.BindEnv("http.port", "EVALROOM_HTTP_PORT")
	v.BindEnv("http.read_timeout", "EVALROOM_HTTP_READ_TIMEOUT")
	v.BindEnv("http.write_timeout", "EVALROOM_HTTP_WRITE_TIMEOUT")

	v.BindEnv("database.path", "EVALROOM_DATABASE_PATH")

	v.BindEnv("websocket.ping_interval", "EVALROOM_WEBSOCKET_PING_INTERVAL")
	v.BindEnv("websocket.read_timeout", "EVALROOM_WEBSOCKET_READ_TIMEOUT")
	v.BindEnv("websocket.write_timeout", "EVALROOM_WEBSOCKET_WRITE_TIMEOUT")
	v.BindEnv("websocket.buffer_size", "EVALROOM_WEBSOCKET_BUFFER_SIZE")

	v.BindEnv("room.teacher_name", "EVALROOM_TEACHER_NAME")

	var c Config
	c.HTTP.Host = v.GetString("http.host")
	c.HTTP.Port = v.GetInt("http.port")
	c.HTTP.ReadTimeout = v.GetDuration("http.read_timeout")
	c.HTTP.WriteTimeout = v.GetDuration("http.write_timeout")

	c.Database.Path = v.GetString("database.path")

	c.WebSocket.PingInterval = v.GetDuration("websocket.ping_interval")
	c.WebSocket.ReadTimeout = v.GetDuration("websocket.read_timeout")
	c.WebSocket.WriteTimeout = v.GetDuration("websocket.write_timeout")
	c.WebSocket.BufferSize = v.GetInt("websocket.buffer_size")

	c.Room.TeacherName = v.GetString("room.teacher_name")

	return c
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket intervals must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.Room.TeacherName == "" {
		return fmt.Errorf("teacher sentinel name cannot be empty")
	}
	return nil
}
