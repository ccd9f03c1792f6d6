package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driver-hub/capture"
	"driver-hub/common/config"
	"driver-hub/common/log"
	"driver-hub/common/store"
	"driver-hub/common/task"
	"driver-hub/detect"
	"driver-hub/draw"
	"driver-hub/frame"
	"driver-hub/inference"
	"driver-hub/notify"
	"driver-hub/service"

	"github.com/pkg/errors"
)

func init() {
	// keep OpenCV's bundled FFmpeg quiet on flaky streams
	os.Setenv("OPENCV_FFMPEG_LOGLEVEL", "24")
	os.Setenv("AV_LOG_FORCE_NOCOLOR", "1")
}

// newBackend picks the capture implementation for one source.
func newBackend(sc config.SourceConfig) (capture.Backend, error) {
	switch sc.Backend {
	case "", "opencv":
		return capture.NewOpenCVBackend(sc.Device, sc.Width, sc.Height), nil
	case "ffmpeg":
		return capture.NewFFmpegBackend(sc.Device, sc.Width, sc.Height, sc.FrameRate), nil
	default:
		return nil, errors.Errorf("unknown backend %q for source %s", sc.Backend, sc.Name)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type visionClient interface {
	inference.LandmarkExtractor
	inference.ObjectDetector
}

// newVision returns the inference client and a closer for it.
func newVision(ic config.InferenceConfig, timeout time.Duration) (visionClient, io.Closer, error) {
	switch ic.Transport {
	case "grpc":
		c, err := inference.NewGRPCClient(ic.GRPCAddr, ic.ModelType, timeout)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "", "http":
		return inference.NewHTTPClient(ic.LandmarkURL, ic.DetectorURL, ic.ModelType, timeout), closerFunc(func() error { return nil }), nil
	default:
		return nil, nil, errors.Errorf("unknown inference transport %q", ic.Transport)
	}
}

func loadConfig() *config.Config {
	if err := config.LoadEnv(".env"); err != nil {
		log.Warn(fmt.Sprintf("%v", err))
	}

	cfg, err := config.LoadConfig(config.ConfigFile)
	if err != nil {
		log.Warn(fmt.Sprintf("failed to load config, using defaults: %v", err))
		cfg = config.DefaultConfig()
	}
	for _, w := range cfg.ApplyEnv() {
		log.Warn(w)
	}
	return cfg
}

func main() {
	log.Info("starting driver hub...")
	defer log.Close()

	cfg := loadConfig()
	log.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error(fmt.Sprintf("invalid configuration: %v", err))
		log.Close()
		os.Exit(1)
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		log.Warn(fmt.Sprintf("failed to create data directory: %v", err))
	}
	if cfg.DebugMode {
		if err := os.MkdirAll(config.DebugDir, 0755); err != nil {
			log.Warn(fmt.Sprintf("failed to create debug directory: %v", err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := task.NewPool(cfg.Workers)
	metrics := service.NewMetrics()

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = config.EventsDB
	}
	st, err := store.Open(storePath)
	if err != nil {
		log.Warn(fmt.Sprintf("event journal disabled: %v", err))
		st = nil
	}

	var sinks []service.Sink
	var mqttSink *service.MQTTSink
	if cfg.MQTT.Broker != "" {
		mqttSink = service.NewMQTTSink(cfg.MQTT.Broker, cfg.MQTT.Topic, cfg.MQTT.ClientID)
		if err := mqttSink.Connect(); err != nil {
			log.Warn(fmt.Sprintf("mqtt connect failed, will keep retrying: %v", err))
		}
		sinks = append(sinks, mqttSink)
	}
	hub := service.NewEventHub(st, metrics, sinks...)

	driverSlot, roadSlot := frame.NewSlot(), frame.NewSlot()
	var sources []*capture.Source
	for _, p := range []struct {
		sc   config.SourceConfig
		slot *frame.Slot
	}{{cfg.Driver, driverSlot}, {cfg.Road, roadSlot}} {
		backend, err := newBackend(p.sc)
		if err != nil {
			log.Error(err.Error())
			continue
		}
		src := capture.NewSource(p.sc.Name, backend, p.slot)
		src.Start(ctx)
		sources = append(sources, src)
	}

	vision, visionCloser, err := newVision(cfg.Inference, cfg.InferenceTimeout())
	if err != nil {
		log.Error(fmt.Sprintf("failed to create inference client: %v", err))
		log.Close()
		os.Exit(1)
	}
	defer visionCloser.Close()

	speaker, err := notify.NewSpeaker(cfg.Voice.Engine, cfg.Voice.Command, cfg.Voice.Player, cfg.Voice.GoogleAPIKey)
	if err != nil {
		log.Warn(fmt.Sprintf("voice disabled: %v", err))
		speaker = notify.NopSpeaker{}
	}

	var messenger notify.Messenger
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		tm, err := notify.NewTwilioMessenger(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.From)
		if err != nil {
			log.Warn(fmt.Sprintf("twilio disabled: %v", err))
		} else {
			messenger = tm
		}
	} else {
		log.Warn("twilio credentials not set, /alert will answer Error")
	}

	commands := service.NewCommandDispatcher(cfg.Actuator.BaseURL, cfg.ActuatorTimeout(), pool, hub, metrics)
	notifier := service.NewNotificationDispatcher(speaker, messenger, cfg.Twilio.To, cfg.Voice.QueueSize, pool, hub, metrics)
	notifier.VoiceCall = cfg.Twilio.VoiceCall
	notifier.Start(ctx)

	drowsy := detect.NewDrowsinessEvaluator(vision, commands, notifier, cfg.Drowsiness.EARThreshold, cfg.SleepThreshold())
	if cfg.Drowsiness.WakeUpText != "" {
		drowsy.WakeUpText = cfg.Drowsiness.WakeUpText
	}
	signs := detect.NewSignEvaluator(vision, commands, notifier, cfg.Signs.Confidence, cfg.SpeakDelay())
	signs.PerLabel = cfg.Signs.DebouncePerLabel
	if cfg.DebugMode {
		drowsy.OnSnapshot = draw.Snapshots(config.DebugDir, pool)
		signs.OnSnapshot = drowsy.OnSnapshot
	}

	webServer := service.NewWebServer(cfg.WebPort, notifier, cfg.Accident.Latitude, cfg.Accident.Longitude, cfg.AccidentTimeout())
	webServer.Hub = hub
	webServer.Metrics = metrics
	webServer.Pool = pool
	webServer.MQTT = mqttSink
	webServer.Slots = map[string]*frame.Slot{cfg.Driver.Name: driverSlot, cfg.Road.Name: roadSlot}
	webServer.Sources = sources
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error(fmt.Sprintf("web server failed: %v", err))
			stop()
		}
	}()

	orchestrator := service.NewOrchestrator(driverSlot, roadSlot, drowsy, signs, cfg.TickInterval(), metrics, sources...)
	log.Info("driver hub started", log.Fields{
		"actuator":  cfg.Actuator.BaseURL,
		"inference": cfg.Inference.Transport,
		"web_port":  cfg.WebPort,
		"debug":     cfg.DebugMode,
	})
	if err := orchestrator.Run(ctx); err != nil {
		log.Error(fmt.Sprintf("loop stopped: %v", err))
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Warn(fmt.Sprintf("web server shutdown: %v", err))
	}
	notifier.Close()
	pool.Shutdown()
	if mqttSink != nil {
		mqttSink.Disconnect()
	}
	if st != nil {
		st.Close()
	}
	log.Info("driver hub stopped")
}
