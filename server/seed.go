package main

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/gearwatch/pkg/credentials"
)

var demoDevices = []credentials.Device{
	{ClientID: "mouse-001", Secret: "secret_mouse", Name: "Pro Gaming Mouse", DeviceType: "mouse"},
	{ClientID: "keyboard-001", Secret: "secret_keyboard", Name: "Mechanical Keyboard", DeviceType: "keyboard"},
	{ClientID: "headset-001", Secret: "secret_headset", Name: "Wireless Headset", DeviceType: "headset"},
}

// seed loads configured users and devices. Without configured users the
// default admin/admin and user/user accounts are created.
func (s *Server) seed() error {
	users := s.cfg.Users
	if len(users) == 0 {
		s.logger.Warn().Msg("no users configured, seeding default admin and user accounts")
		for _, u := range [][2]string{{"admin", "admin"}, {"user", "user"}} {
			if err := s.creds.PutUserPassword(u[0], u[1], credentials.Role(u[0])); err != nil {
				return fmt.Errorf("seed user %s: %w", u[0], err)
			}
		}
	}
	for _, u := range users {
		role := credentials.Role(u.Role)
		if role == "" {
			role = credentials.RoleUser
		}
		var err error
		if u.PasswordHash != "" {
			err = s.creds.PutUser(u.Username, []byte(u.PasswordHash), role)
		} else {
			err = s.creds.PutUserPassword(u.Username, u.Password, role)
		}
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}

	devices := make([]credentials.Device, 0, len(s.cfg.Devices)+len(demoDevices))
	for _, d := range s.cfg.Devices {
		devices = append(devices, credentials.Device{ClientID: d.ClientID, Secret: d.Secret, Name: d.Name, DeviceType: d.Type})
	}
	if s.cfg.SeedDemo {
		devices = append(devices, demoDevices...)
	}
	for _, d := range devices {
		if _, err := s.creds.RegisterDevice(d); err != nil {
			if errors.Is(err, credentials.ErrDeviceExists) {
				s.logger.Warn().Str("client_id", d.ClientID).Msg("duplicate seeded device ignored")
				continue
			}
			return fmt.Errorf("seed device %s: %w", d.ClientID, err)
		}
	}
	if len(devices) > 0 {
		s.logger.Info().Int("devices", len(devices)).Msg("seeded devices")
	}
	return nil
}
