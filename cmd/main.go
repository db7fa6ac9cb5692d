package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"datasheet-rag/internal/chromemdb"
	"datasheet-rag/internal/config"
	"datasheet-rag/internal/db"
	"datasheet-rag/internal/embedding"
	"datasheet-rag/internal/helper"
	"datasheet-rag/internal/llmservice"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/parser"
	"datasheet-rag/internal/rag"
	"datasheet-rag/internal/store"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the config file")
	filePath := flag.String("file", "", "Path to the datasheet to ingest")
	sourceID := flag.String("source", "", "Source id for -file (defaults to the file name)")
	ranges := flag.String("ranges", "", "Page ranges to ingest, e.g. \"Specs:1-3,Dimensions:7-7\"")
	query := flag.String("query", "", "Question to answer once")
	chat := flag.Bool("chat", false, "Interactive chat on stdin")
	exclude := flag.String("exclude", "", "Comma separated sources to leave out of answers")
	list := flag.Bool("list", false, "List stored sources and their sections")
	deleteSource := flag.String("delete", "", "Delete every chunk of a source")
	analyze := flag.String("analyze", "", "Extract the key features of a stored source")
	compare := flag.String("compare", "", "Compare two stored sources, e.g. \"a.pdf,b.pdf\"")
	sample := flag.Bool("sample", false, "Print a sample of the stored chunks")
	status := flag.Bool("status", false, "Check the store and inference model connections")
	export := flag.Bool("export", false, "Export the chromem collection to a file")
	importFile := flag.String("import", "", "Import a chromem export file")
	reset := flag.Bool("reset", false, "Drop and recreate the postgres chunks table")
	html := flag.Bool("html", false, "Render answers and tables as HTML")
	dryRun := flag.Bool("dry-run", false, "Dry run, print the chunks without embedding or storing them")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	log.Debug().Interface("config", cfg.RAG).Str("store", cfg.Store.Backend).Msg("Loaded config")

	ctx := context.Background()
	out := &printer{html: *html}

	if *filePath != "" && *dryRun {
		if err := dryRunIngest(cfg, *filePath, *ranges); err != nil {
			log.Fatal().Err(err).Msg("Error parsing document")
		}
		return
	}

	needsModel := *query != "" || *chat || *analyze != "" || *compare != ""
	a, err := newApp(ctx, cfg, needsModel, *status)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing")
	}
	defer a.store.Close()

	switch {
	case *filePath != "":
		err = ingest(ctx, a, *filePath, *sourceID, *ranges)
	case *query != "":
		err = askOnce(ctx, a, out, *query, splitList(*exclude))
	case *chat:
		err = chatLoop(ctx, a, out, splitList(*exclude))
	case *list:
		err = listSources(ctx, a)
	case *deleteSource != "":
		err = a.rag.Delete(ctx, *deleteSource)
	case *analyze != "":
		err = analyzeSource(ctx, a, out, *analyze)
	case *compare != "":
		err = compareSources(ctx, a, out, *compare)
	case *sample:
		err = printSample(ctx, a, out)
	case *status:
		err = printStatus(ctx, a)
	case *export:
		err = exportStore(ctx, a)
	case *importFile != "":
		err = importStore(ctx, a, *importFile)
	case *reset:
		err = resetTable(ctx, a)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

type app struct {
	cfg   *config.Config
	rag   *rag.RAG
	store store.ChunkStore
}

// newApp builds the pipeline. The inference model is built when needsModel is set,
// or when optionalModel is set and the model can be created.
func newApp(ctx context.Context, cfg *config.Config, needsModel, optionalModel bool) (*app, error) {
	var embedder *embedding.Embedder
	if cfg.EmbedLLM.Provider != "" {
		backend, err := embedding.NewFromConfig(&cfg.EmbedLLM)
		if err != nil {
			return nil, err
		}
		embedder, err = embedding.NewEmbedder(backend, cfg.RAG.BatchSize, cfg.RAG.Timeout)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("No embedding provider configured, chunks are stored without vectors")
	}

	var generator *llmservice.Generator
	if needsModel || optionalModel {
		model, err := llmservice.NewModel(&cfg.InferenceLLM)
		switch {
		case err == nil:
			generator = llmservice.NewGenerator(model, cfg.InferenceLLM.MaxTokens, cfg.RAG.Timeout)
		case needsModel:
			return nil, err
		default:
			log.Warn().Err(err).Msg("Inference model not configured, skipping its check")
		}
	}

	if cfg.Store.Backend == "chromem" && !cfg.Store.InMemory {
		if err := helper.CreateFolder(cfg.Store.Path); err != nil {
			return nil, err
		}
	}
	st, err := rag.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, rag: rag.NewRAG(cfg, st, embedder, generator), store: st}, nil
}

func dryRunIngest(cfg *config.Config, filePath, rangeSpec string) error {
	pageRanges, err := parser.ParseRanges(rangeSpec)
	if err != nil {
		return err
	}
	text, sections, err := parser.ExtractRanges(filePath, pageRanges)
	if err != nil {
		return err
	}
	chunks, err := parser.ChunkDocument(filepath.Base(filePath), text, sections, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return err
	}
	log.Info().Msgf("Parsed %d chunks", len(chunks))
	helper.PrettyPrint(os.Stdout, chunks)
	return nil
}

func ingest(ctx context.Context, a *app, filePath, sourceID, rangeSpec string) error {
	pageRanges, err := parser.ParseRanges(rangeSpec)
	if err != nil {
		return err
	}
	if sourceID == "" {
		sourceID = filepath.Base(filePath)
	}
	res, err := a.rag.Ingest(ctx, sourceID, filePath, pageRanges)
	if err != nil {
		return err
	}
	helper.PrettyPrint(os.Stdout, res)
	return nil
}

func askOnce(ctx context.Context, a *app, out *printer, query string, excluded []string) error {
	session, err := a.rag.NewSession()
	if err != nil {
		return err
	}
	for _, id := range excluded {
		session.Exclude(id)
	}
	reply, err := session.Ask(ctx, query)
	if err != nil {
		return err
	}
	out.reply(query, reply)
	return nil
}

func chatLoop(ctx context.Context, a *app, out *printer, excluded []string) error {
	session, err := a.rag.NewSession()
	if err != nil {
		return err
	}
	for _, id := range excluded {
		session.Exclude(id)
	}
	log.Info().Str("session", session.ID).Msg("Chat started, /help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Println("/sources  /exclude <source>  /include <source>  /delete <source>  /quit")
		case "/sources":
			sources, err := a.rag.Sources(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Error listing sources")
				continue
			}
			for _, s := range sources {
				mark := "[x]"
				if session.Excluded.Contains(s) {
					mark = "[ ]"
				}
				fmt.Printf("%s %s\n", mark, s)
			}
		case "/exclude":
			session.Exclude(arg)
		case "/include":
			session.Include(arg)
		case "/delete":
			if err := a.rag.Delete(ctx, arg); err != nil {
				log.Error().Err(err).Msg("Error deleting source")
			}
		default:
			reply, err := session.Ask(ctx, line)
			if err != nil {
				log.Error().Err(err).Msg("Error answering")
				continue
			}
			out.reply(line, reply)
		}
	}
}

func listSources(ctx context.Context, a *app) error {
	sources, err := a.rag.Sources(ctx)
	if err != nil {
		return err
	}
	for _, s := range sources {
		sections, err := a.rag.Sections(ctx, s)
		if err != nil {
			return err
		}
		if len(sections) == 0 {
			fmt.Println(s)
			continue
		}
		fmt.Printf("%s (%s)\n", s, strings.Join(sections, ", "))
	}
	return nil
}

func analyzeSource(ctx context.Context, a *app, out *printer, sourceID string) error {
	res, err := a.rag.Analyze(ctx, sourceID)
	if err != nil {
		return err
	}
	out.text("Analysis of "+sourceID, res)
	return nil
}

func compareSources(ctx context.Context, a *app, out *printer, pair string) error {
	ids := splitList(pair)
	if len(ids) != 2 {
		return fmt.Errorf("%w: -compare needs exactly two sources", models.ErrInvalidConfiguration)
	}
	res, err := a.rag.Compare(ctx, ids[0], ids[1])
	if err != nil {
		return err
	}
	out.text("Comparison", res)
	return nil
}

func printSample(ctx context.Context, a *app, out *printer) error {
	rows, err := a.rag.Sample(ctx)
	if err != nil {
		return err
	}
	out.table(rows)
	return nil
}

func printStatus(ctx context.Context, a *app) error {
	sources, err := a.rag.Status(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("backend", a.cfg.Store.Backend).Int("sources", len(sources)).Msg("Store is reachable")
	return nil
}

func exportStore(ctx context.Context, a *app) error {
	st, ok := a.store.(*chromemdb.Store)
	if !ok {
		return fmt.Errorf("%w: export needs the chromem store", models.ErrInvalidConfiguration)
	}
	if err := helper.CreateFolder(a.cfg.Store.Path); err != nil {
		return err
	}
	path, err := st.Export(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("file", path).Msg("Exported collection")
	return nil
}

func importStore(ctx context.Context, a *app, filePath string) error {
	st, ok := a.store.(*chromemdb.Store)
	if !ok {
		return fmt.Errorf("%w: import needs the chromem store", models.ErrInvalidConfiguration)
	}
	if err := st.Import(ctx, filePath); err != nil {
		return err
	}
	log.Info().Str("file", filePath).Msg("Imported collection")
	return nil
}

func resetTable(ctx context.Context, a *app) error {
	st, ok := a.store.(*db.Store)
	if !ok {
		return fmt.Errorf("%w: reset needs the postgres store", models.ErrInvalidConfiguration)
	}
	if err := st.DropChunks(ctx); err != nil {
		return fmt.Errorf("failed to drop chunks table: %w", err)
	}
	if err := st.InitDB(ctx); err != nil {
		return err
	}
	log.Info().Msg("Recreated chunks table")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// printer writes answers as plain markdown or, with -html, through goldmark
type printer struct {
	html bool
}

func (p *printer) reply(query string, reply *rag.Reply) {
	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	if reply.Assembly != nil {
		sources := map[string]struct{}{}
		for _, c := range reply.Assembly.Chunks {
			sources[c.SourceID] = struct{}{}
		}
		log.Info().Str("strategy", reply.Assembly.Strategy).Int("chunks", len(reply.Assembly.Chunks)).Int("sources", len(sources)).Msg("Context")
	}

	p.text("Assistant", reply.Answer.Text)
	if reply.Answer.WantsTable {
		p.table(reply.Table)
	}
}

func (p *printer) text(title, body string) {
	log.Info().Msgf("%s: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>", title)
	fmt.Printf("%s\n\n", p.render(body))
}

func (p *printer) table(rows []rag.TableRow) {
	log.Info().Msg("Product Comparison: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n", p.render(rag.TableMarkdown(rows)))
}

func (p *printer) render(markdown string) string {
	if !p.html {
		return markdown
	}
	out, err := helper.RenderHTML(markdown)
	if err != nil {
		log.Warn().Err(err).Msg("Error rendering HTML")
		return markdown
	}
	return out
}
