package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so that config keys expressed as plain
// numeric seconds (per the main.timeout_* family) unmarshal directly into a
// time.Duration, instead of requiring a Go duration-string literal.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("Duration must be numeric seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML implements yaml.v3's Unmarshaler for plain numeric-seconds
// config values (main.timeout_cn: 5, etc.). Every value is read as seconds,
// main.timeout_browser included; there is no millisecond form.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var secs float64
	if err := unmarshal(&secs); err != nil {
		return fmt.Errorf("duration must be numeric seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}
