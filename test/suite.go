// Package test contains the integration test harness. It starts real
// PostgreSQL and Kafka containers and wires up the full platform: store,
// bus, reconciler, gateway, read API and Kafka export.
package test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hydronix-io/shadowd/api"
	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/access"
	"github.com/hydronix-io/shadowd/core/csql"
	"github.com/hydronix-io/shadowd/core/registry"
	"github.com/hydronix-io/shadowd/export"
	"github.com/hydronix-io/shadowd/gateway"
	"github.com/hydronix-io/shadowd/reconciler"
	"github.com/hydronix-io/shadowd/shadow"
)

const httpAddr = ":8081"

// IntegrationTestSuite runs the platform against real containers.
type IntegrationTestSuite struct {
	suite.Suite

	srv    *http.Server
	router *mux.Router

	Db         *csql.DB
	Store      shadow.Store
	Bus        *broker.Broker
	Reconciler *reconciler.Service
	Registry   registry.Registry

	network           testcontainers.Network
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	KafkaAddr         string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "test-shadowd-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.KafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.KafkaAddr)
	s.Require().NoError(err)

	s.Db, err = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "shadowd")
	s.Require().NoError(err)

	s.Store = shadow.MustNewPostgresStore(&shadow.PostgresStoreBuilder{
		DB: s.Db,
	})
	s.Registry = registry.MustNew(s.Db)

	s.Bus = broker.New(&broker.Builder{})

	s.Reconciler = reconciler.New(&reconciler.Builder{
		Store: s.Store,
		Bus:   s.Bus,
	})
	s.Require().NoError(s.Reconciler.Start())

	err = s.createTopic("shadow-events", 1)
	s.Require().NoError(err, "Failed to create shadow-events topic")

	sink := export.MustNewSink(&export.Builder{
		Brokers: []string{s.KafkaAddr},
		Topic:   "shadow-events",
		Bus:     s.Bus,
	})
	s.Require().NoError(sink.Start())

	validator := access.NewValidator(&access.ValidatorBuilder{
		Secret:                    "integration-test-secret",
		EnableInsecureDebugAccess: true,
	})

	s.router = mux.NewRouter()
	gateway.MustNew(&gateway.Builder{
		Store:     s.Store,
		Bus:       s.Bus,
		Validator: validator,
		Router:    s.router,
	})
	api.MustNewService(&api.Builder{
		Store:  s.Store,
		Router: s.router,
	})

	s.srv = &http.Server{
		Addr:    httpAddr,
		Handler: s.router,
	}
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("Failed to start HTTP server: %v", err)
		}
	}()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		err := s.srv.Shutdown(ctx)
		s.Require().NoError(err)
	}

	s.Bus.Close()

	if s.kafkaContainer != nil {
		err := s.kafkaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}
