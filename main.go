package main

import (
	"context"
	"time"

	"CollabProject/global"
	"CollabProject/logger"
	"CollabProject/middleware"
	"CollabProject/module/collab"
	cmodel "CollabProject/module/comment/model"
	csvc "CollabProject/module/comment/service"
	"CollabProject/module/identity"
	pmodel "CollabProject/module/presence/model"
	psvc "CollabProject/module/presence/service"
	"CollabProject/service/mgo"
	"CollabProject/service/natsx"
	"CollabProject/service/room"
	redisx "CollabProject/service/storage/redis"
	sec "CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

func main() {
	ctx := context.Background()

	secret := global.JwtSecret()
	middleware.Config(secret)

	// mongo is the source of truth; block startup until it answers
	mgo.StartAsync(ctx, global.MongoConfig())
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := mgo.WaitReady(waitCtx, mgo.Manager()); err != nil {
		logger.Errorf("[main] mongo not ready: %v (last: %v)", err, mgo.Err())
		return
	}

	sessionRepo := &pmodel.SessionRepo{}
	commentRepo := &cmodel.CommentRepo{}
	// the partial unique session index is what makes concurrent joins safe,
	// so failing to create it is fatal
	if err := sessionRepo.EnsureIndexes(ctx); err != nil {
		logger.Errorf("[main] session indexes: %v", err)
		return
	}
	if err := commentRepo.EnsureIndexes(ctx); err != nil {
		logger.Errorf("[main] comment indexes: %v", err)
		return
	}

	mirror := false
	if global.RedisEnabled() {
		if err := redisx.InitRedis(global.RedisConfig()); err != nil {
			logger.Warnf("[main] redis unavailable, presence mirror off: %v", err)
		} else {
			mirror = true
			defer redisx.CloseRedis()
		}
	}

	hub := room.NewHub(room.HubConf{NodeID: global.NodeID()})

	if global.NatsEnabled() {
		nm, err := natsx.NewNatsManager(global.NatsConfig())
		if err != nil {
			logger.Errorf("[main] nats connect: %v", err)
			return
		}
		defer nm.Close()
		if _, err := room.StartRelay(hub, nm); err != nil {
			logger.Errorf("[main] relay start: %v", err)
			return
		}
		logger.Infof("[main] cross-node relay up node=%s", global.NodeID())
	}

	presence := psvc.NewManager(sessionRepo, hub, psvc.ManagerConf{
		Window:         global.LivenessWindow(),
		SweepEvery:     global.SweepEvery(),
		MirrorPresence: mirror,
	})
	presence.StartSweeper(ctx)

	comments := csvc.NewComments(commentRepo, hub, nil)

	h := &collab.Handler{
		Presence: presence,
		Comments: comments,
		Hub:      hub,
		Identity: identity.NewResolver(identity.NewStaticProvider()),
		JWT:      sec.DefaultOptions(secret),
		Mirror:   mirror,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterRoutes(r)

	logger.Infof("[main] collab gateway listening on %s node=%s", global.ListenAddr(), global.NodeID())
	if err := r.Run(global.ListenAddr()); err != nil {
		logger.Errorf("[main] server: %v", err)
	}
}
