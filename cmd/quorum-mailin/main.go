// quorum-mailin feeds one raw RFC-822 message through the inbound
// email pipeline. The mail fetcher (MTA pipe, IMAP poller, queue
// worker) invokes it with the message on stdin or as a file argument.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quorum-io/quorum-ce/internal/cache"
	"github.com/quorum-io/quorum-ce/internal/config"
	"github.com/quorum-io/quorum-ce/internal/email/inbound/receiver"
	"github.com/quorum-io/quorum-ce/internal/email/inbound/screening"
	"github.com/quorum-io/quorum-ce/internal/repository"
	"github.com/quorum-io/quorum-ce/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "quorum-mailin [message-file]",
		Short:         "Process one inbound email into a forum action",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(args)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			rcv, cleanup, err := buildReceiver(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			outcome, err := rcv.Process(cmd.Context(), raw)
			if err != nil {
				if kind, ok := receiver.KindOf(err); ok {
					return fmt.Errorf("rejected (%s): %w", kind, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s topic=%d post=%d\n", outcome.Action, outcome.TopicID, outcome.PostID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", ".", "config file or directory")
	return cmd
}

func readMessage(args []string) ([]byte, error) {
	if len(args) == 1 {
		return os.ReadFile(args[0])
	}
	return io.ReadAll(os.Stdin)
}

func buildReceiver(cfg *config.Config) (*receiver.Receiver, func(), error) {
	mail, err := cfg.Mail.Compile()
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cleanup := func() {
		_ = db.Close()
		_ = redisClient.Close()
	}

	posts := service.NewSQLPostService(db)
	opts := []receiver.Option{
		receiver.WithStores(
			repository.NewIncomingEmailRepository(db),
			repository.NewEmailLogRepository(db),
			repository.NewUserRepository(db),
		),
		receiver.WithForumLookups(
			repository.NewGroupRepository(db),
			repository.NewCategoryRepository(db),
			repository.NewTopicRepository(db),
			repository.NewPostRepository(db),
		),
		receiver.WithLikes(posts),
		receiver.WithInviter(posts),
		receiver.WithUnsubscriber(posts),
		receiver.WithUploads(service.NewDiskUploader(db, "data/uploads", "/uploads", 0)),
		receiver.WithBounceStore(cache.NewRedisBounceStore(redisClient, cfg.Mail.BounceThreshold)),
		receiver.WithAuditLog(repository.NewAuditLogRepository(db)),
		receiver.WithScreening(repository.NewScreenedEmailRepository(db)),
	}
	if rules, err := screening.NewFileRules(cfg.Mail.ScreeningRulesPath); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("screening rules: %w", err)
	} else if rules != nil {
		opts = append(opts, receiver.WithScreening(rules))
	}
	return receiver.NewReceiver(mail, posts, opts...), cleanup, nil
}
