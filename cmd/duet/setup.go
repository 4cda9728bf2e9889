package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/vango-dev/duet/internal/config"
	"github.com/vango-dev/duet/internal/errors"
	"github.com/vango-dev/duet/pkg/session"
)

// loadConfig reads the file at path, or the nearest duet.json above the
// working directory when path is empty. Without a file the defaults apply.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	default:
		cfg, err = config.LoadFromWorkingDir()
		if e, ok := err.(*errors.Error); ok && e.Code == "E101" {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// openStore opens the configured archive store. A nil store with a nil
// error means archiving is disabled. The returned cleanup releases what
// the store holds open.
func openStore(ctx context.Context, cfg *config.Config) (session.ArchiveStore, func(), error) {
	a := cfg.Archive
	switch a.Kind {
	case config.ArchiveNone:
		return nil, func() {}, nil

	case config.ArchiveMemory:
		store := session.NewMemoryStore()
		return store, func() { _ = store.Close() }, nil

	case config.ArchiveFile:
		store, err := session.NewFileStore(cfg.ArchiveDir())
		if err != nil {
			return nil, nil, errors.New("E121").
				WithDetail("Could not open archive directory " + cfg.ArchiveDir()).
				Wrap(err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.ArchiveSQLite:
		db, err := sql.Open("sqlite", a.DSN)
		if err != nil {
			return nil, nil, errors.New("E121").Wrap(err)
		}
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
		store := session.NewSQLStore(db, session.WithSQLDialect(session.DialectSQLite))
		if err := store.CreateTable(ctx); err != nil {
			_ = db.Close()
			return nil, nil, errors.New("E121").
				WithDetail("Could not prepare archive tables in " + a.DSN).
				Wrap(err)
		}
		return store, func() {
			_ = store.Close()
			_ = db.Close()
		}, nil

	case config.ArchiveS3:
		store := session.NewS3Store(newS3Client(a), a.Bucket, a.Prefix)
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, errors.New("E104").
			WithDetail("Archive store kind " + a.Kind + " is not supported.")
	}
}

// newS3Client builds an S3 client from the archive settings and the
// standard AWS environment variables.
func newS3Client(a config.ArchiveConfig) *s3.Client {
	region := a.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
					SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
					Source:          "environment",
				}, nil
			})),
	}
	if a.Endpoint != "" {
		opts.BaseEndpoint = aws.String(a.Endpoint)
		// S3-compatible services rarely support virtual-hosted buckets.
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}
