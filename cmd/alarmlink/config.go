package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/brutella/hap/characteristic"
	"github.com/caarlos0/alarmlink"
)

type Config struct {
	Host           string                   `env:"MQTT_HOST"`
	Port           string                   `env:"MQTT_PORT"         envDefault:"1883"`
	Username       string                   `env:"MQTT_USER"`
	Password       string                   `env:"MQTT_PASSWORD"`
	ClientID       string                   `env:"MQTT_CLIENT_ID"`
	Account        string                   `env:"MQTT_ACCOUNT"`
	Phone          string                   `env:"PHONE"`
	Mode           alarmlink.ConnectionMode `env:"MODE"              envDefault:"hybrid"`
	FilterSender   bool                     `env:"SMS_FILTER_SENDER" envDefault:"true"`
	ModemAddr      string                   `env:"MODEM_ADDR"`
	HistoryFile    string                   `env:"HISTORY_FILE"      envDefault:"./history.jsonl"`
	DetectionsDir  string                   `env:"DETECTIONS_DIR"    envDefault:"./detections"`
	Address        string                   `env:"LISTEN"            envDefault:":9009"`
	ChunkTimeout   time.Duration            `env:"CHUNK_TIMEOUT"     envDefault:"3s"`
	PreviewWindow  time.Duration            `env:"PREVIEW_WINDOW"    envDefault:"8s"`
	LivenessWindow time.Duration            `env:"LIVENESS_WINDOW"   envDefault:"30s"`
	LogLevel       string                   `env:"LOG_LEVEL"         envDefault:"info"`
}

func (c Config) validate() error {
	var errs []error
	if c.Mode.UsesBroker() && c.Host == "" {
		errs = append(errs, fmt.Errorf("MQTT_HOST is required in %s mode", c.Mode))
	}
	if c.Mode.UsesSMS() && c.Phone == "" {
		errs = append(errs, fmt.Errorf("PHONE is required in %s mode", c.Mode))
	}
	return errors.Join(errs...)
}

// Settings makes the environment the settings store of the core.
func (c Config) Settings() alarmlink.Settings {
	return alarmlink.Settings{
		Phone:        c.Phone,
		Mode:         c.Mode,
		FilterSender: c.FilterSender,
		Broker: alarmlink.BrokerSettings{
			Host:     c.Host,
			Port:     c.Port,
			Username: c.Username,
			Password: c.Password,
			ClientID: c.ClientID,
			Account:  c.Account,
		},
	}
}

func currentState(status alarmlink.DeviceStatus) int {
	switch {
	case status.Alarming:
		return characteristic.SecuritySystemCurrentStateAlarmTriggered
	case status.Armed:
		return characteristic.SecuritySystemCurrentStateAwayArm
	default:
		return characteristic.SecuritySystemCurrentStateDisarmed
	}
}

func targetState(status alarmlink.DeviceStatus) int {
	if status.Armed {
		return characteristic.SecuritySystemTargetStateAwayArm
	}
	return characteristic.SecuritySystemTargetStateDisarm
}

// commandFor maps a HomeKit target state to a device command. The device
// has a single armed mode, so every arm variant arms it.
func commandFor(target int) (alarmlink.Command, bool) {
	switch target {
	case characteristic.SecuritySystemTargetStateStayArm,
		characteristic.SecuritySystemTargetStateAwayArm,
		characteristic.SecuritySystemTargetStateNightArm:
		return alarmlink.CmdArm, true
	case characteristic.SecuritySystemTargetStateDisarm:
		return alarmlink.CmdDisarm, true
	default:
		return "", false
	}
}
