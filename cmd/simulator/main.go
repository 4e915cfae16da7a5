package main

import (
	"encoding/json"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/lwesolowski/homeflux/internal/config"
	"github.com/lwesolowski/homeflux/internal/domain"
)

// Publishes randomized measurements for one simulated device, for local
// testing against a collector whose registry contains a matching mqtt
// device row.
func main() {
	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	viper.SetDefault("SIM_BROKER", "tcp://localhost:1883")
	viper.SetDefault("SIM_TOPIC", "homeflux/sim-meter/state")
	viper.SetDefault("SIM_SOURCE_ID", "sim-meter")

	opts := mqtt.NewClientOptions().AddBroker(viper.GetString("SIM_BROKER")).SetClientID("homeflux-sim")
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	topic := viper.GetString("SIM_TOPIC")
	cumulative := 0.0
	for i := 0; i < 1000; i++ {
		power := 800 + rand.Float64()*400
		cumulative += power * 5 / 3600 // 5s at power, in Wh
		m := domain.Measurement{
			SourceID:     viper.GetString("SIM_SOURCE_ID"),
			Timestamp:    time.Now(),
			PowerW:       power,
			Voltage:      228 + rand.Float64()*4,
			Current:      power / 230,
			CumulativeWh: &cumulative,
		}
		payload, _ := json.Marshal(m)
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		time.Sleep(5 * time.Second)
	}
	log.Info().Msg("simulation done")
}
