package commands

import (
	"fmt"
	"os"

	"instapaper-scraper/lib/configutil"
	"instapaper-scraper/lib/credentials"
	"instapaper-scraper/lib/osutil"
	"instapaper-scraper/lib/scrapers/instapaper"
	"instapaper-scraper/services/bookmarks"
	"instapaper-scraper/services/bookmarks/output"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type Config struct {
	Scrape bookmarks.Config `json:"scrape"`
	Format string           `json:"format"`
	Output string           `json:"output"`
}

var formatFlag *string
var outputFlag *string
var folderFlag *string
var sessionFileFlag *string
var keyFileFlag *string
var printFlag *bool

func init() {
	formatFlag = scrapeCmd.Flags().String("format", "", "Output format: csv, json or sqlite (default: csv).")
	outputFlag = scrapeCmd.Flags().StringP("output", "o", "", "Output filename (default: output/bookmarks.<ext>).")
	folderFlag = scrapeCmd.Flags().String("folder", "", "Scrape a single folder given as '<id>/<slug>' instead of the full archive.")
	sessionFileFlag = scrapeCmd.Flags().String("session-file", "", "Path to the encrypted session file.")
	keyFileFlag = scrapeCmd.Flags().String("key-file", "", "Path to the session key file.")
	printFlag = scrapeCmd.Flags().Bool("print", false, "Also print the scraped bookmarks as a table.")
	rootCmd.AddCommand(scrapeCmd)
}

func loadConfig() Config {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil && !os.IsNotExist(err) {
		osutil.Fatal("failed to read config", err)
	}

	env := credentials.FromEnv()
	if cfg.Scrape.Username == "" {
		cfg.Scrape.Username = env.Username
	}
	if cfg.Scrape.Password == "" {
		cfg.Scrape.Password = env.Password
	}

	if *folderFlag != "" {
		cfg.Scrape.FolderMode = true
		cfg.Scrape.FolderIdAndSlug = *folderFlag
	}
	if *sessionFileFlag != "" {
		cfg.Scrape.SessionFile = *sessionFileFlag
	}
	if *keyFileFlag != "" {
		cfg.Scrape.KeyFile = *keyFileFlag
	}
	if *formatFlag != "" {
		cfg.Format = *formatFlag
	}
	if cfg.Format == "" {
		cfg.Format = output.FormatCSV
	}
	if *outputFlag != "" {
		cfg.Output = *outputFlag
	}
	if cfg.Output == "" {
		ext := cfg.Format
		if ext == output.FormatSQLite {
			ext = "db"
		}
		cfg.Output = fmt.Sprintf("output/bookmarks.%s", ext)
	}

	return cfg
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--format csv|json|sqlite] [-o <path>] [--folder <id>/<slug>]",
	Short: "Scrapes all bookmarks (or one folder) and writes them to a file.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		service, err := bookmarks.NewService(cmd.Context(), cfg.Scrape, nil)
		if err != nil {
			osutil.Fatal("failed to initialize scraper", err)
		}

		articles, err := service.Run(cmd.Context())
		if err != nil {
			osutil.Fatal("scrape failed", err)
		}

		err = output.Save(articles, cfg.Format, cfg.Output)
		if err != nil {
			osutil.Fatal("failed to save articles", err)
		}

		if *printFlag {
			printArticles(articles)
		}
	},
}

func printArticles(articles []instapaper.Article) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "URL"})
	for _, a := range articles {
		t.AppendRow(table.Row{a.Id, a.Title, a.Url})
	}
	t.Render()
}
