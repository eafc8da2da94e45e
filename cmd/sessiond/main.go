// Command sessiond runs one transport node of the session engine: it
// hosts exactly one local device's Engine, accepts inbound websocket
// attachments from other devices, and relays across the mesh through
// Consul service discovery.
//
// Grounded on cmd/chatserver/main.go's single explicit wiring sequence
// (config -> db -> redis -> registry -> services -> router ->
// ListenAndServe -> graceful shutdown), adapted from one shared
// multi-tenant chat server process to one symmetric per-device node.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/solace-pqs/session-engine/internal/admin"
	"github.com/solace-pqs/session-engine/internal/config"
	"github.com/solace-pqs/session-engine/internal/engine"
	"github.com/solace-pqs/session-engine/internal/errs"
	"github.com/solace-pqs/session-engine/internal/keymaterial"
	"github.com/solace-pqs/session-engine/internal/models"
	"github.com/solace-pqs/session-engine/internal/push"
	"github.com/solace-pqs/session-engine/internal/ratchet"
	"github.com/solace-pqs/session-engine/internal/registry"
	"github.com/solace-pqs/session-engine/internal/sessioncontext"
	"github.com/solace-pqs/session-engine/internal/store"
	"github.com/solace-pqs/session-engine/internal/store/postgres"
	"github.com/solace-pqs/session-engine/internal/store/sqlite"
	"github.com/solace-pqs/session-engine/internal/taskprocessor"
	"github.com/solace-pqs/session-engine/internal/transport"
)

func main() {
	cfg := config.Load()
	if cfg.SecretName == "" {
		log.Fatalf("FATAL: SECRET_NAME is required")
	}
	if cfg.AppPassword == "" {
		log.Fatalf("FATAL: APP_PASSWORD is required")
	}

	log.Printf("starting session-engine node %s for %s", cfg.NodeID, cfg.SecretName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localStore, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("FATAL: open device-local store: %v", err)
	}
	defer localStore.Close()
	if err := localStore.CreateSchema(ctx); err != nil {
		log.Fatalf("FATAL: create device-local schema: %v", err)
	}

	remoteStore, err := postgres.New(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: open server-replicated store: %v", err)
	}
	defer remoteStore.Close()
	if err := remoteStore.CreateSchema(ctx); err != nil {
		log.Fatalf("FATAL: create server-replicated schema: %v", err)
	}

	st := store.Compose(localStore, remoteStore)

	directoryDB, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: open transport directory: %v", err)
	}
	defer directoryDB.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("warning: redis unreachable at %s, caching/durability tiers degrade to local-only: %v", cfg.RedisURL, err)
	}

	nodeRegistry, err := registry.NewNodeRegistry(cfg.ConsulURL, cfg.NodeID, cfg.TransportPort)
	if err != nil {
		log.Fatalf("FATAL: connect to consul: %v", err)
	}
	if err := nodeRegistry.Register(); err != nil {
		log.Fatalf("FATAL: register with consul: %v", err)
	}
	defer func() {
		if err := nodeRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister from consul: %v", err)
		}
	}()

	wsTransport := transport.New(cfg.NodeID, directoryDB, nodeRegistry)
	if err := wsTransport.CreateSchema(ctx); err != nil {
		log.Fatalf("FATAL: create transport directory schema: %v", err)
	}
	wsTransport.EnableRateLimiting(rdb, 120, time.Minute, 10*time.Minute)

	secretName, deviceID, keys, deviceConfig, sessionContextID := bootstrapIdentity(ctx, st, wsTransport, cfg)

	var events store.EventReceiver
	if cfg.APNsKeyPath != "" {
		pushTokens := push.NewTokenStore(directoryDB)
		if err := pushTokens.CreateTable(ctx); err != nil {
			log.Fatalf("FATAL: create push token schema: %v", err)
		}
		apnsClient, err := push.NewClient(push.Config{
			KeyPath:    cfg.APNsKeyPath,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			BundleID:   cfg.APNsBundleID,
			Production: cfg.APNsProduction,
		})
		if err != nil {
			log.Fatalf("FATAL: init APNs client: %v", err)
		}
		// This node always notifies its own secretName: every message
		// ReceiveEnvelope decrypts was, by construction, addressed to
		// this local device.
		events = push.NewNotifier(apnsClient, pushTokens, func(models.EncryptedMessage) (string, bool) {
			return secretName, true
		})
	}

	durability := taskprocessor.NewDurability(rdb)

	eng := engine.New(engine.Config{
		SecretName:        secretName,
		DeviceID:           deviceID,
		SessionContextID:   sessionContextID,
		Keys:               keys,
		DeviceConfig:       deviceConfig,
		Store:              st,
		Transport:          wsTransport,
		Redis:              rdb,
		Durability:         durability,
		RatchetConfig:      ratchet.Config{MaxSkippedMessageKeys: cfg.Sizes.MaxSkippedMessageKeys},
		KeyMaterialConfig:  keymaterial.Config{OneTimeKeyBatchSize: cfg.Sizes.OneTimeKeyBatchSize, OneTimeKeyLowWatermark: cfg.Sizes.OneTimeKeyLowWatermark, KeyRotationIntervalDays: cfg.Sizes.KeyRotationIntervalDays},
		AssociatedData:          []byte(secretName),
		MinimumChannelOperators: cfg.Sizes.MinimumChannelOperators,
		MinimumChannelMembers:   cfg.Sizes.MinimumChannelMembers,
		Events:                  events,
	})

	wsTransport.SetReceiver(deviceID, eng, onMessageDelivered)

	eng.StartKeyRotation(ctx, time.Hour)
	defer eng.Shutdown()

	transportRouter := mux.NewRouter()
	wsTransport.RegisterRoutes(transportRouter)
	transportServer := &http.Server{
		Addr:              ":" + cfg.TransportPort,
		Handler:           transportRouter,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("transport listening on :%s", cfg.TransportPort)
		if err := transportServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: transport server error: %v", err)
		}
	}()

	adminServer := admin.NewServer(":"+cfg.AdminPort, eng, []string{"http://localhost:3000"})
	go func() {
		log.Printf("admin surface listening on :%s", cfg.AdminPort)
		if err := adminServer.ListenAndServe(); err != nil {
			log.Fatalf("FATAL: admin server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: admin server shutdown error: %v", err)
	}
	if err := transportServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: transport server shutdown error: %v", err)
	}
	log.Println("shutdown complete")
}

// bootstrapIdentity loads the local device's SessionContext, creating
// one (and a fresh key bundle, published to the transport directory)
// on the very first run.
func bootstrapIdentity(ctx context.Context, st store.Store, t transport.Transport, cfg *config.Config) (string, uuid.UUID, *models.DeviceKeys, *models.SignedDeviceConfiguration, uuid.UUID) {
	scManager := sessioncontext.NewManager(st)

	sc, err := scManager.StartSession(ctx, cfg.AppPassword)
	if err == nil {
		var deviceConfig *models.SignedDeviceConfiguration
		for i := range sc.Configuration.Devices {
			if sc.Configuration.Devices[i].DeviceID == sc.User.DeviceID {
				deviceConfig = &sc.Configuration.Devices[i]
			}
		}
		if deviceConfig == nil {
			deviceConfig = deviceConfigFromKeys(sc.User.DeviceID, cfg.DeviceName, &sc.User.Keys)
		}
		return sc.User.SecretName, sc.User.DeviceID, &sc.User.Keys, deviceConfig, sc.SessionContextID
	}
	if !errs.Is(err, errs.KindSessionNotInitialized) {
		log.Fatalf("FATAL: start session: %v", err)
	}

	log.Printf("no existing session context found, provisioning a new device identity for %s", cfg.SecretName)

	deviceID := uuid.New()
	km := keymaterial.NewManager(keymaterial.Config{
		OneTimeKeyBatchSize:     cfg.Sizes.OneTimeKeyBatchSize,
		OneTimeKeyLowWatermark:  cfg.Sizes.OneTimeKeyLowWatermark,
		KeyRotationIntervalDays: cfg.Sizes.KeyRotationIntervalDays,
	})
	deviceKeys, deviceConfig, publishedCurve, publishedMLKEM, err := km.GenerateDeviceBundle(deviceID, cfg.DeviceName, cfg.SecretName, true)
	if err != nil {
		log.Fatalf("FATAL: generate device key bundle: %v", err)
	}

	sc, err = scManager.CreateSession(ctx, cfg.SecretName, deviceID, cfg.AppPassword)
	if err != nil {
		log.Fatalf("FATAL: create session context: %v", err)
	}
	sc.User.Keys = *deviceKeys
	userConfig := models.UserConfiguration{
		SecretName:       cfg.SecretName,
		SigningPublicKey: deviceKeys.SigningPublicKey,
		Devices:          []models.SignedDeviceConfiguration{*deviceConfig},
		OneTimeCurveKeys: publishedCurve,
		OneTimeMLKEMKeys: publishedMLKEM,
	}
	if err := scManager.Mutate(ctx, cfg.AppPassword, func(c *models.SessionContext) error {
		c.User.Keys = *deviceKeys
		c.Configuration = userConfig
		c.Registration = models.RegistrationRegistered
		return nil
	}); err != nil {
		log.Fatalf("FATAL: persist provisioned device identity: %v", err)
	}
	if err := t.PublishUserConfiguration(ctx, userConfig, deviceID); err != nil {
		log.Fatalf("FATAL: publish device configuration: %v", err)
	}

	return cfg.SecretName, deviceID, deviceKeys, deviceConfig, sc.SessionContextID
}

func deviceConfigFromKeys(deviceID uuid.UUID, deviceName string, keys *models.DeviceKeys) *models.SignedDeviceConfiguration {
	return &models.SignedDeviceConfiguration{
		DeviceID:                   deviceID,
		DeviceName:                 deviceName,
		IsMasterDevice:             true,
		SigningPublicKey:           keys.SigningPublicKey,
		LongTermPublicKey:          keys.LongTermPublicKey,
		FinalMLKEMEncapsulationKey: keys.FinalMLKEMEncapsulation,
		FinalMLKEMSignature:        keys.FinalMLKEMSignature,
	}
}

// onMessageDelivered is the application-layer notification hook for a
// successfully decrypted inbound message. This engine's own scope ends
// at decrypt-and-verify (spec.md's Non-goals exclude a UI or message
// history store); a real deployment wires this to whatever consumes
// CryptoMessage next (push notification, local UI event, bot logic).
func onMessageDelivered(msg models.CryptoMessage) {
	log.Printf("delivered message from recipient=%v sentDate=%v", msg.Recipient, msg.SentDate)
}
