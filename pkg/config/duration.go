package config

import (
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration 在YAML中以"250ms"形式读写的时间间隔
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }
func (d Duration) String() string     { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := parseDuration(n.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(s string) (Duration, error) {
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "duration %q", s)
	}
	return Duration(v), nil
}

// durationHook 供viper解码时把字符串或整数(纳秒)转换为Duration
func durationHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(Duration(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return parseDuration(v)
		case int:
			return Duration(v), nil
		case int64:
			return Duration(v), nil
		case float64:
			return Duration(int64(v)), nil
		case time.Duration:
			return Duration(v), nil
		}
		return data, nil
	}
}
