package alarmlink

import "time"

type BrokerSettings struct {
	Host     string
	Port     string
	Username string
	Password string
	ClientID string
	// Account prefixes every topic. Defaults to Username.
	Account string
}

// Settings is the snapshot of user configuration the core reads at
// connect and send time.
type Settings struct {
	Phone        string
	Mode         ConnectionMode
	FilterSender bool
	Broker       BrokerSettings
}

// SettingsStore is owned by the host application.
type SettingsStore interface {
	Settings() Settings
}

type StaticSettings Settings

func (s StaticSettings) Settings() Settings { return Settings(s) }

const CategoryAlarm = "ALARM"

type HistoryRecord struct {
	At        time.Time
	Category  string
	Title     string
	Message   string
	ImagePath string
}

// HistorySink persists event history.
type HistorySink interface {
	Record(HistoryRecord) error
}

// Notifier presents alarm notifications to the user.
type Notifier interface {
	Alarm(message string)
	ClearAlarm()
}

// ImageSaver stores detection snapshots and returns where they were put.
type ImageSaver interface {
	SaveImage(at time.Time, jpeg []byte) (string, error)
}
