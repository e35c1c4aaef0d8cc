// audiobookshelf-library-sync mirrors an Audiobookshelf library and the
// user's playback progress into a local SQLite database for offline use.
//
// Environment Variables:
//
//	AUDIOBOOKSHELF_URL            URL of the Audiobookshelf server
//	AUDIOBOOKSHELF_TOKEN          API access token
//	AUDIOBOOKSHELF_REFRESH_TOKEN  (optional) refresh token used on HTTP 401
//	AUDIOBOOKSHELF_LIBRARY_ID     (optional) default library to sync
//	DATABASE_PATH, DATABASE_DRIVER
//	SYNC_CONCURRENCY, SYNC_MAX_AGE, SYNC_STATE_FILE, CACHE_DIR
//	PORT, PROGRESS_THROTTLE, LOG_LEVEL, LOG_FORMAT
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Get().Error("Error running application", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func newApp() *cli.App {
	libraryFlag := &cli.StringFlag{
		Name:    "library",
		Aliases: []string{"l"},
		Usage:   "Library `ID` (defaults to audiobookshelf.library_id)",
	}

	return &cli.App{
		Name:    "audiobookshelf-library-sync",
		Usage:   "Keep a local offline copy of an Audiobookshelf library",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Synchronize a library into the local database",
				Flags: []cli.Flag{
					libraryFlag,
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Sync even if the last pass is younger than sync.max_age",
					},
				},
				Action: runSync,
			},
			{
				Name:   "serve",
				Usage:  "Run the local HTTP server with periodic syncs and live progress",
				Flags:  []cli.Flag{libraryFlag},
				Action: runServe,
			},
			{
				Name:  "progress",
				Usage: "Inspect and update playback progress",
				Subcommands: []*cli.Command{
					{
						Name:      "show",
						Usage:     "Print the stored progress of an item",
						ArgsUsage: "LIBRARY_ITEM_ID",
						Action:    progressShow,
					},
					{
						Name:      "set",
						Usage:     "Record a playback position locally and on the server",
						ArgsUsage: "LIBRARY_ITEM_ID",
						Flags: []cli.Flag{
							&cli.Float64Flag{Name: "current-time", Usage: "Position in seconds", Required: true},
							&cli.Float64Flag{Name: "duration", Usage: "Duration in seconds"},
							&cli.Float64Flag{Name: "progress", Usage: "Explicit progress ratio (0..1)"},
						},
						Action: progressSet,
					},
					{
						Name:      "pull",
						Usage:     "Fetch an item's progress from the server, or all of it without an id",
						ArgsUsage: "[LIBRARY_ITEM_ID]",
						Action:    progressPull,
					},
					{
						Name:      "watch",
						Usage:     "Wait for the next live progress push of an item",
						ArgsUsage: "LIBRARY_ITEM_ID",
						Flags: []cli.Flag{
							&cli.DurationFlag{Name: "timeout", Usage: "Give up after this long", Value: 10 * time.Minute},
						},
						Action: progressWatch,
					},
				},
			},
			{
				Name:  "library",
				Usage: "Manage the books in my library",
				Subcommands: []*cli.Command{
					{Name: "add", Usage: "Add a book", ArgsUsage: "BOOK_ID", Action: libraryAdd},
					{Name: "remove", Usage: "Remove a book", ArgsUsage: "BOOK_ID", Action: libraryRemove},
					{Name: "list", Usage: "List my library", Action: libraryList},
				},
			},
			{
				Name:  "downloads",
				Usage: "Manage offline downloads",
				Subcommands: []*cli.Command{
					{Name: "list", Usage: "List downloads", Action: downloadsList},
					{Name: "remove", Usage: "Delete a download", ArgsUsage: "BOOK_ID", Action: downloadsRemove},
				},
			},
		},
	}
}
