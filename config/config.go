package config

import (
	"io/ioutil"

	"github.com/mlctrez/fauxmo/device"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Device is one entry of the devices file.
type Device struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type File struct {
	Devices []Device `yaml:"devices"`
}

func Load(path string) (*File, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, errors.Wrapf(device.ErrInvalidConfiguration, "parse devices: %v", err)
	}
	return f, nil
}

// Binder supplies the handlers for a device, given its derived id.
type Binder func(id string, d Device) (device.Switcher, device.Querier)

// Configs converts the file into registry entries in file order.
func (f *File) Configs(idFunc device.IDFunc, bind Binder) []device.Config {
	if idFunc == nil {
		idFunc = device.NameID
	}
	configs := make([]device.Config, 0, len(f.Devices))
	for _, d := range f.Devices {
		c := device.Config{Name: d.Name, Port: d.Port}
		if bind != nil {
			c.Switcher, c.Querier = bind(idFunc(d.Name), d)
		}
		configs = append(configs, c)
	}
	return configs
}
