package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/hydronix-io/shadowd/api"
	"github.com/hydronix-io/shadowd/archive"
	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/access"
	"github.com/hydronix-io/shadowd/core/csql"
	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/core/registry"
	"github.com/hydronix-io/shadowd/devicebroker"
	"github.com/hydronix-io/shadowd/export"
	"github.com/hydronix-io/shadowd/gateway"
	"github.com/hydronix-io/shadowd/provision"
	"github.com/hydronix-io/shadowd/reconciler"
	"github.com/hydronix-io/shadowd/shadow"
	"github.com/hydronix-io/shadowd/transport"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres      string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port          string `env:"PORT,default=3000" description:"the port to listen on"`
	ProvisionFile string `env:"PROVISION_FILE,default=provision.json" description:"path of the provisioning configuration"`

	JWTSecret   string `env:"JWT_SECRET,required" description:"HMAC secret for bearer tokens"`
	JWTIssuer   string `env:"JWT_ISSUER" description:"accepted token issuer"`
	DebugAccess bool   `env:"ENABLE_INSECURE_DEBUG_ACCESS,default=false" description:"accept unsigned debug tokens, never in production"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL,default=tcp://localhost:1883" description:"device-facing MQTT broker address"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID,default=shadowd-platform" description:"MQTT client id of the platform"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	EmbeddedBrokerAddr string `env:"EMBEDDED_BROKER_ADDR" description:"when set, run an embedded MQTT broker on this address"`
	BrokerCACertFile   string `env:"BROKER_CA_CERT_FILE"`
	BrokerCertFile     string `env:"BROKER_CERT_FILE"`
	BrokerKeyFile      string `env:"BROKER_KEY_FILE"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" description:"when set, export shadow events to kafka"`
	KafkaTopic   string   `env:"KAFKA_TOPIC,default=shadow-events"`

	Archive archive.S3Configuration
}

func main() {
	logger.InitLogger(logrus.InfoLevel)

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	config, err := provision.Load(service.ProvisionFile)
	if err != nil {
		panic(err)
	}

	db := csql.MustOpenWithSchema(service.Postgres, "shadowd")
	defer db.Close()

	var archiver shadow.Archiver
	if service.Archive.AWSBucketName != "" {
		archiver, err = archive.NewS3Archiver(service.Archive)
		if err != nil {
			panic(err)
		}
	}

	store := shadow.MustNewPostgresStore(&shadow.PostgresStoreBuilder{
		DB:        db,
		Retention: config.RetentionPolicy(),
		Archiver:  archiver,
	})

	reg := registry.MustNew(db)

	bus := broker.New(&broker.Builder{})
	defer bus.Close()

	reconcilerService := reconciler.New(&reconciler.Builder{
		Store: store,
		Bus:   bus,
	})
	if err := reconcilerService.Start(); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var embedded *devicebroker.Broker
	if service.EmbeddedBrokerAddr != "" {
		embedded = devicebroker.MustNewBroker(&devicebroker.Builder{
			Addr:             service.EmbeddedBrokerAddr,
			Namespace:        config.Namespace,
			PlatformClientID: service.MQTTClientID,
			CACertFile:       service.BrokerCACertFile,
			CertFile:         service.BrokerCertFile,
			KeyFile:          service.BrokerKeyFile,
		})
		embedded.Run()
		defer embedded.Stop(context.Background())
	}

	adapter := transport.New(&transport.Builder{
		BrokerURL: service.MQTTBrokerURL,
		ClientID:  service.MQTTClientID,
		Namespace: config.Namespace,
		Bus:       bus,
		Username:  service.MQTTUsername,
		Password:  service.MQTTPassword,
	})
	if err := adapter.Start(ctx); err != nil {
		panic(err)
	}
	defer adapter.Close()

	if len(service.KafkaBrokers) > 0 {
		sink := export.MustNewSink(&export.Builder{
			Brokers: service.KafkaBrokers,
			Topic:   service.KafkaTopic,
			Bus:     bus,
		})
		if err := sink.Start(); err != nil {
			panic(err)
		}
		defer sink.Close()
	}

	validator := access.NewValidator(&access.ValidatorBuilder{
		Secret:                    service.JWTSecret,
		Issuer:                    service.JWTIssuer,
		EnableInsecureDebugAccess: service.DebugAccess,
	})

	router := mux.NewRouter()
	logger.AddCorrelationID(router)

	gateway.MustNew(&gateway.Builder{
		Store:     store,
		Bus:       bus,
		Validator: validator,
		Commands:  adapter,
		Router:    router,
	})

	api.MustNewService(&api.Builder{
		Store:  store,
		Router: router,
	})

	// store the active configuration and pre-create shadows for the
	// provisioned devices
	accessor := reg.Accessor("shadowd")
	if err := accessor.Write(ctx, "provision", config); err != nil {
		panic(err)
	}
	for _, device := range config.Devices {
		if _, err := shadow.EnsureShadow(ctx, store, device.DeviceID); err != nil {
			panic(err)
		}
	}

	logger.Default().Infoln("listen on port :" + service.Port)
	go func() {
		if err := http.ListenAndServe(":"+service.Port, router); err != nil {
			logger.Default().WithError(err).Fatalln("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Default().Infoln("shutting down")
}
