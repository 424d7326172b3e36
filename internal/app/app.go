package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	httpapp "jwtauth/internal/app/http"
	"jwtauth/internal/config"
	authhttp "jwtauth/internal/http/auth"
	"jwtauth/internal/lib/jwt"
	"jwtauth/internal/services/token"
	"jwtauth/internal/storage/mongodb"
	"jwtauth/internal/storage/sqlite"
)

type App struct {
	HTTPSrv *httpapp.App
}

type store interface {
	token.UserProvider
	token.TokenLedger
}

func New(logger *slog.Logger, cfg *config.Config) *App {
	var backend store
	switch cfg.Storage {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			panic(err)
		}
		backend = s
	default:
		s, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			panic(err)
		}
		backend = s
	}

	codec, err := jwt.New(
		cfg.JWT.Alg,
		cfg.JWT.AccessTokenPrivateKeyFile,
		cfg.JWT.AccessTokenPublicKeyFile,
		cfg.JWT.RefreshTokenPrivateKeyFile,
		cfg.JWT.RefreshTokenPublicKeyFile,
	)
	if err != nil {
		panic(err)
	}

	tokenService := token.New(
		logger,
		codec,
		backend,
		backend,
		cfg.JWT.Issuer,
		cfg.JWT.AccessTTL(),
		cfg.JWT.RefreshTTL(),
	)

	mux := http.NewServeMux()
	authhttp.New(logger, tokenService).Register(mux)

	return &App{
		HTTPSrv: httpapp.New(logger, mux, cfg.HTTP.Port, cfg.HTTP.Timeout),
	}
}
