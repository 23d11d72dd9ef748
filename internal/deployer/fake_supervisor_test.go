package deployer

import "os"

type fakeSupervisor struct {
	units   map[string]Unit
	started map[string]bool
	reloads int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{units: map[string]Unit{}, started: map[string]bool{}}
}

func (f *fakeSupervisor) EnsureUser(name string) (int, int, error) {
	return os.Getuid(), os.Getgid(), nil
}

func (f *fakeSupervisor) WriteUnit(u Unit) error {
	f.units[u.Name] = u
	return nil
}

func (f *fakeSupervisor) RemoveUnit(name string) error {
	delete(f.units, name)
	return nil
}

func (f *fakeSupervisor) StartEnable(name string) error {
	f.started[name] = true
	return nil
}

func (f *fakeSupervisor) StopDisable(name string) error {
	f.started[name] = false
	return nil
}

func (f *fakeSupervisor) Reload() error {
	f.reloads++
	return nil
}

func (f *fakeSupervisor) ListUnits() ([]string, error) {
	names := make([]string, 0, len(f.units))
	for name := range f.units {
		names = append(names, name)
	}
	return names, nil
}
