package jog

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// LoadParameters reads parameters from a YAML, JSON or TOML file. Keys missing from the file
// keep their DefaultParameters value. The result is validated.
func LoadParameters(path string) (Parameters, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Parameters{}, errors.Wrapf(err, "failed to read jog parameters from %s", path)
	}
	return decode(v, path)
}

// ParametersFromMap overlays attrs, keyed like the parameter file, on the defaults. The
// result is validated.
func ParametersFromMap(attrs map[string]any) (Parameters, error) {
	v := viper.New()
	if err := v.MergeConfigMap(attrs); err != nil {
		return Parameters{}, errors.Wrap(err, "failed to read jog parameters")
	}
	return decode(v, "attributes")
}

func decode(v *viper.Viper, source string) (Parameters, error) {
	p := DefaultParameters()
	if err := v.Unmarshal(&p); err != nil {
		return Parameters{}, errors.Wrapf(err, "failed to decode jog parameters from %s", source)
	}
	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}
