package plateimager

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Settings holds the process-wide, environment-derived configuration:
// everything about the deployment that is not part of an experiment plan.
// It is constructed once and passed by injection; nothing in the run path
// reads the environment directly.
type Settings struct {
	// Serial port the actuator's gantry model is attached to. Informational
	// here; the gantry component owns the connection.
	DevicePort string

	RemoteHost     string
	RemoteUser     string
	RemotePassword string
	RemoteKeyPath  string
	RemoteSaveDir  string

	SMTPServer   string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	AdminEmail   string

	// Optional bound on total actuator travel, in millimetres. Zero means
	// unbounded. When MaxTravelWarnOnly is set, plans past the bound log a
	// warning instead of failing validation.
	MaxTravelMM       int
	MaxTravelWarnOnly bool
}

// TravelLimits derives the validator's travel bound from the settings.
func (s *Settings) TravelLimits() TravelLimits {
	return TravelLimits{MaxMM: s.MaxTravelMM, SoftLimit: s.MaxTravelWarnOnly}
}

// LoadSettings reads settings from the environment, first loading the
// given .env file if any (missing file is fine; real environment wins).
// All missing required variables are reported together.
func LoadSettings(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var errs error
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s is not set", key))
		}
		return v
	}

	s := &Settings{
		DevicePort:     required("DEVICE_PORT"),
		RemoteHost:     required("REMOTE_HOST_NAME"),
		RemoteUser:     os.Getenv("REMOTE_USER"),
		RemotePassword: os.Getenv("REMOTE_PASSWORD"),
		RemoteKeyPath:  os.Getenv("REMOTE_KEY_PATH"),
		RemoteSaveDir:  required("REMOTE_SAVE_DIR"),
		SMTPServer:     required("SMTP_SERVER"),
		SMTPUsername:   required("SMTP_USERNAME"),
		SMTPPassword:   required("SMTP_PASSWORD"),
		AdminEmail:     required("ADMIN_EMAIL"),
	}

	port, err := strconv.Atoi(required("SMTP_PORT"))
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("SMTP_PORT: %w", err))
	}
	s.SMTPPort = port

	if v := os.Getenv("MAX_TRAVEL_MM"); v != "" {
		mm, err := strconv.Atoi(v)
		if err != nil || mm < 0 {
			errs = multierr.Append(errs, fmt.Errorf("MAX_TRAVEL_MM %q is not a non-negative integer", v))
		}
		s.MaxTravelMM = mm
	}
	if v := os.Getenv("MAX_TRAVEL_WARN_ONLY"); v != "" {
		warn, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("MAX_TRAVEL_WARN_ONLY: %w", err))
		}
		s.MaxTravelWarnOnly = warn
	}

	if s.RemoteUser == "" {
		s.RemoteUser = "pi"
	}
	if s.RemotePassword == "" && s.RemoteKeyPath == "" {
		errs = multierr.Append(errs, fmt.Errorf("one of REMOTE_PASSWORD or REMOTE_KEY_PATH must be set"))
	}

	if errs != nil {
		return nil, errs
	}
	return s, nil
}
