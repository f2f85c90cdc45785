package config

import "fmt"

// FlexBool accepts a real YAML boolean or, for backward compatibility with
// older config files, the strings "true"/"false".
type FlexBool bool

func (b FlexBool) Bool() bool {
	return bool(b)
}

func (b *FlexBool) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
		return nil
	case string:
		switch v {
		case "true":
			*b = true
			return nil
		case "false":
			*b = false
			return nil
		}
	}
	return fmt.Errorf("expected bool or \"true\"/\"false\" string, got %v", raw)
}
