package main

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// brokerConn connects to the broker and keeps the bridge subscribed across
// reconnects.
type brokerConn struct {
	opts   *BrokerOptions
	broker string
	topics topics
	logger *log.Logger
	client mqtt.Client
}

func (bc *brokerConn) clientOptions(handler func(topic string, payload []byte)) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(bc.broker)
	opts.SetClientID(bc.opts.ClientID)
	if bc.opts.Username != "" {
		opts.SetUsername(bc.opts.Username)
	}
	if bc.opts.MQTTPassword != "" {
		opts.SetPassword(bc.opts.MQTTPassword)
	}

	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetCleanSession(true)
	// Handlers publish and wait, so they must not block the router.
	opts.SetOrderMatters(false)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		bc.logger.Printf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		bc.logger.Println("Connected to MQTT broker")
		for _, topic := range bc.topics.Subscriptions() {
			token := client.Subscribe(topic, 1, func(client mqtt.Client, msg mqtt.Message) {
				handler(msg.Topic(), msg.Payload())
			})
			if token.Wait() && token.Error() != nil {
				bc.logger.Printf("Failed to subscribe to topic '%s': %v", topic, token.Error())
				continue
			}
			bc.logger.Printf("Subscribed to topic: %s", topic)
		}
	})

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(bc.opts.RetryInterval) * time.Second)
	return opts
}

// connectWithRetry retries the first connection MaxRetries times, or
// forever when MaxRetries is 0.
func (bc *brokerConn) connectWithRetry(handler func(topic string, payload []byte)) error {
	retryCount := 0

	for {
		err := bc.connect(handler)
		if err == nil {
			return nil
		}

		retryCount++
		if bc.opts.MaxRetries > 0 && retryCount >= bc.opts.MaxRetries {
			return errors.Wrapf(err, "failed to connect to MQTT after %d attempts", retryCount)
		}

		bc.logger.Printf("Failed to connect to MQTT (attempt %d): %v", retryCount, err)
		bc.logger.Printf("Waiting %d seconds before retry...", bc.opts.RetryInterval)
		time.Sleep(time.Duration(bc.opts.RetryInterval) * time.Second)
	}
}

func (bc *brokerConn) connect(handler func(topic string, payload []byte)) error {
	bc.client = mqtt.NewClient(bc.clientOptions(handler))

	bc.logger.Printf("Attempting to connect to MQTT broker at %s...", bc.broker)
	if token := bc.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Publish publishes with QoS 1 and waits for the broker.
func (bc *brokerConn) Publish(topic string, payload []byte) error {
	token := bc.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (bc *brokerConn) disconnect() {
	bc.client.Disconnect(250)
	bc.logger.Println("Disconnected from MQTT broker")
}

func defaultClientID() string {
	return fmt.Sprintf("mpy_mqtt_bridge_%s", uuid.NewString()[:8])
}
