package main

import (
	"encoding/xml"
	"os"
	"time"

	"github.com/pkg/errors"

	"mpyrepl/internal/device"
)

const defaultExpectTimeout = 30 * time.Second

// Config is the XML script file. Exactly one of Serial, Socket and
// WebSocket names the device.
type Config struct {
	XMLName   xml.Name   `xml:"config"`
	Serial    *Serial    `xml:"serial"`
	Socket    *Socket    `xml:"socket"`
	WebSocket *WebSocket `xml:"websocket"`
	Timeout   string     `xml:"timeout,attr"`
	Script    string     `xml:"script"`

	timeout time.Duration
}

type Serial struct {
	Device string `xml:"device,attr"`
	Speed  int    `xml:"speed,attr"`
	Parity bool   `xml:"parity,attr"`
	Bits   int    `xml:"bits,attr"`
}

type Socket struct {
	Host string `xml:"host,attr"`
	Port int    `xml:"port,attr"`
}

type WebSocket struct {
	URL      string `xml:"url,attr"`
	Password string `xml:"password,attr"`
}

func parseConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return decodeConfig(data)
}

func decodeConfig(data []byte) (*Config, error) {
	var config Config
	if err := xml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	config.timeout = defaultExpectTimeout
	if config.Timeout != "" {
		d, err := time.ParseDuration(config.Timeout)
		if err != nil || d <= 0 {
			return nil, errors.Errorf("invalid timeout %q", config.Timeout)
		}
		config.timeout = d
	}
	if config.Serial != nil {
		if config.Serial.Speed == 0 {
			config.Serial.Speed = device.DefaultBaudRate
		}
		if config.Serial.Bits == 0 {
			config.Serial.Bits = 8
		}
	}
	if config.Socket != nil && config.Socket.Port == 0 {
		config.Socket.Port = 23
	}

	return &config, nil
}

// Spec returns the device the script runs against.
func (c *Config) Spec() (device.Spec, error) {
	var specs []device.Spec
	if c.Serial != nil {
		specs = append(specs, device.SerialSpec{
			Port:       c.Serial.Device,
			Baud:       c.Serial.Speed,
			DataBits:   c.Serial.Bits,
			EvenParity: c.Serial.Parity,
		})
	}
	if c.Socket != nil {
		specs = append(specs, device.SocketSpec{Host: c.Socket.Host, Port: c.Socket.Port})
	}
	if c.WebSocket != nil {
		// Without a password the script answers any prompt itself.
		specs = append(specs, device.WebSocketSpec{URL: c.WebSocket.URL, Password: c.WebSocket.Password, Handshake: c.WebSocket.Password != ""})
	}

	switch len(specs) {
	case 0:
		return nil, errors.New("config names no device (use <serial>, <socket> or <websocket>)")
	case 1:
		return specs[0], nil
	default:
		return nil, errors.New("config names more than one device")
	}
}
