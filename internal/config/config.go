package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/types"
	"github.com/spf13/viper"
)

// Settlement modes.
const (
	SettleImmediate = "immediate"
	SettleMQTT      = "mqtt"
	SettleWrite     = "write"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Socket     SocketConfig     `mapstructure:"socket"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Points     PointsConfig     `mapstructure:"points"`
	Bus        BusConfig        `mapstructure:"bus"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SimulationConfig struct {
	Model         string        `mapstructure:"model"`
	Weather       string        `mapstructure:"weather"`
	BCVTBHome     string        `mapstructure:"bcvtb_home"`
	WorkingDir    string        `mapstructure:"working_dir"`
	EngineVersion float64       `mapstructure:"engine_version"`
	EnergyPlusBin string        `mapstructure:"energyplus_bin"`
	LegacyBin     string        `mapstructure:"legacy_bin"`
	Launch        bool          `mapstructure:"launch"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	SocketFile    string        `mapstructure:"socket_file"`
	VariablesFile string        `mapstructure:"variables_file"`
}

type SocketConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ProtocolConfig struct {
	Version int `mapstructure:"version"`
}

type PointsConfig struct {
	File string `mapstructure:"file"`
}

type BusConfig struct {
	Settlement SettlementConfig `mapstructure:"settlement"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

type SettlementConfig struct {
	Mode    string        `mapstructure:"mode"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BrokerURL       string `mapstructure:"broker_url"`
	ClientID        string `mapstructure:"client_id"`
	Prefix          string `mapstructure:"prefix"`
	QoS             int    `mapstructure:"qos"`
	SettleTopic     string `mapstructure:"settle_topic"`
	SubscribeInputs bool   `mapstructure:"subscribe_inputs"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("simulation.model", "")
	v.SetDefault("simulation.weather", "")
	v.SetDefault("simulation.bcvtb_home", ".")
	v.SetDefault("simulation.working_dir", "")
	v.SetDefault("simulation.engine_version", 8.4)
	v.SetDefault("simulation.energyplus_bin", "energyplus")
	v.SetDefault("simulation.legacy_bin", "runenergyplus")
	v.SetDefault("simulation.launch", true)
	v.SetDefault("simulation.stop_timeout", "10s")
	v.SetDefault("simulation.socket_file", "socket.cfg")
	v.SetDefault("simulation.variables_file", "variables.cfg")

	v.SetDefault("socket.host", "")
	v.SetDefault("socket.port", 0)
	v.SetDefault("socket.connect_timeout", "5m")

	v.SetDefault("protocol.version", 2)

	v.SetDefault("points.file", "configs/points.yaml")

	v.SetDefault("bus.settlement.mode", SettleImmediate)
	v.SetDefault("bus.settlement.timeout", "0s")
	v.SetDefault("bus.mqtt.enabled", false)
	v.SetDefault("bus.mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("bus.mqtt.client_id", "cosimbridge")
	v.SetDefault("bus.mqtt.prefix", "cosim")
	v.SetDefault("bus.mqtt.qos", 1)
	v.SetDefault("bus.mqtt.settle_topic", "")
	v.SetDefault("bus.mqtt.subscribe_inputs", true)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "cosimbridge")
	v.SetDefault("database.user", "cosimbridge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// CSB_SIMULATION_MODEL overrides simulation.model
	v.SetEnvPrefix("CSB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate checks what a run needs before anything is bound or written.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Simulation.Model) == "" {
		return fmt.Errorf("%w: no model specified", types.ErrConfiguration)
	}
	if strings.TrimSpace(c.Simulation.Weather) == "" {
		return fmt.Errorf("%w: no weather specified", types.ErrConfiguration)
	}

	switch c.Bus.Settlement.Mode {
	case SettleImmediate, SettleWrite:
	case SettleMQTT:
		if !c.Bus.MQTT.Enabled || c.Bus.MQTT.SettleTopic == "" {
			return fmt.Errorf("%w: mqtt settlement needs bus.mqtt.enabled and bus.mqtt.settle_topic", types.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown settlement mode %q", types.ErrConfiguration, c.Bus.Settlement.Mode)
	}

	if c.Bus.MQTT.QoS < 0 || c.Bus.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", types.ErrConfiguration)
	}
	if c.Socket.Port < 0 || c.Socket.Port > 65535 {
		return fmt.Errorf("%w: invalid socket port %d", types.ErrConfiguration, c.Socket.Port)
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
