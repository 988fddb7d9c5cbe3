// Package ingest seeds the store from PGN files. Games land with their SAN
// half-move lists and extracted=false, ready for the pipeline to claim.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/freeeve/chessflow/internal/board"
	"github.com/freeeve/chessflow/internal/model"
)

// Store is the slice of the persistence layer the loader needs.
type Store interface {
	InsertGames(ctx context.Context, games []model.Game, moves []model.HalfMove) error
}

// Config configures the loader.
type Config struct {
	// RatingMin skips games where either player is rated below it.
	// Zero disables the filter.
	RatingMin int
	// InsertEvery flushes accumulated games to the store in batches.
	InsertEvery int
	Logger      zerolog.Logger
}

// Loader reads PGN files into the store.
type Loader struct {
	cfg Config
	st  Store
	log zerolog.Logger
}

// NewLoader creates a loader with defaults filled in.
func NewLoader(cfg Config, st Store) *Loader {
	if cfg.InsertEvery == 0 {
		cfg.InsertEvery = 500
	}
	return &Loader{cfg: cfg, st: st, log: cfg.Logger}
}

// Stats summarizes one file load.
type Stats struct {
	Games   int64
	Skipped int64
	Moves   int64
}

// LoadFile reads one .pgn or .pgn.zst file. Games failing the rating
// filter or the legality replay are skipped and counted, never inserted.
func (l *Loader) LoadFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return Stats{}, fmt.Errorf("opening zstd reader for %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	started := time.Now()
	lastLog := time.Now()
	var (
		stats   Stats
		games   []model.Game
		moves   []model.HalfMove
		scanner = newGameScanner(r)
	)
	flush := func() error {
		if err := l.st.InsertGames(ctx, games, moves); err != nil {
			return fmt.Errorf("inserting games from %s: %w", path, err)
		}
		games = games[:0]
		moves = moves[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		raw, err := scanner.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("scanning %s: %w", path, err)
		}

		game, halfMoves, ok := l.convert(raw)
		if !ok {
			stats.Skipped++
			continue
		}
		games = append(games, game)
		moves = append(moves, halfMoves...)
		stats.Games++
		stats.Moves += int64(len(halfMoves))

		if len(games) >= l.cfg.InsertEvery {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		if time.Since(lastLog) > 10*time.Second {
			elapsed := time.Since(started)
			l.log.Info().
				Str("file", filepath.Base(path)).
				Int64("games", stats.Games).
				Int64("skipped", stats.Skipped).
				Float64("games_per_sec", float64(stats.Games)/elapsed.Seconds()).
				Msg("load progress")
			lastLog = time.Now()
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	l.log.Info().
		Str("file", filepath.Base(path)).
		Int64("games", stats.Games).
		Int64("skipped", stats.Skipped).
		Int64("moves", stats.Moves).
		Dur("elapsed", time.Since(started)).
		Msg("file load complete")
	return stats, nil
}

// convert turns a scanned game into store records. A game is rejected when
// the rating filter fails or any move does not replay legally.
func (l *Loader) convert(raw rawGame) (model.Game, []model.HalfMove, bool) {
	if l.cfg.RatingMin > 0 {
		if parseRating(raw.tags["WhiteElo"]) < l.cfg.RatingMin ||
			parseRating(raw.tags["BlackElo"]) < l.cfg.RatingMin {
			return model.Game{}, nil, false
		}
	}
	sans := movetextSANs(raw.movetext)
	if len(sans) == 0 {
		return model.Game{}, nil, false
	}

	b := board.New()
	id := gameID(raw)
	moves := make([]model.HalfMove, 0, len(sans))
	for i, san := range sans {
		if _, err := b.ApplySAN(san); err != nil {
			l.log.Debug().Int64("game_id", id).Str("san", san).Err(err).Msg("skipping game with unplayable move")
			return model.Game{}, nil, false
		}
		moves = append(moves, model.HalfMove{GameID: id, Ply: i + 1, SAN: san})
	}

	return model.Game{
		ID:     id,
		White:  raw.tags["White"],
		Black:  raw.tags["Black"],
		Result: raw.tags["Result"],
	}, moves, true
}

type rawGame struct {
	tags     map[string]string
	movetext string
}

// gameScanner splits a PGN stream into games: a tag-pair section followed
// by a movetext section, separated by blank lines.
type gameScanner struct {
	r *bufio.Reader
	// pending holds a tag line that arrived glued to the previous game's
	// movetext without the separating blank line.
	pending string
}

func newGameScanner(r io.Reader) *gameScanner {
	return &gameScanner{r: bufio.NewReaderSize(r, 1<<20)}
}

var tagPairRegex = regexp.MustCompile(`^\[(\w+)\s+"(.*)"\]\s*$`)

// next returns the following game in the stream, or io.EOF.
func (s *gameScanner) next() (rawGame, error) {
	game := rawGame{tags: make(map[string]string)}
	inMovetext := false
	var movetext strings.Builder

	if s.pending != "" {
		if m := tagPairRegex.FindStringSubmatch(s.pending); m != nil {
			game.tags[m[1]] = m[2]
		}
		s.pending = ""
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return rawGame{}, err
		}
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "["):
			if inMovetext {
				game.movetext = movetext.String()
				s.pending = trimmed
				return game, nil
			}
			if m := tagPairRegex.FindStringSubmatch(trimmed); m != nil {
				game.tags[m[1]] = m[2]
			}
		default:
			inMovetext = true
			movetext.WriteString(trimmed)
			movetext.WriteByte(' ')
		}

		if trimmed == "" && inMovetext {
			game.movetext = movetext.String()
			return game, nil
		}
		if err == io.EOF {
			if inMovetext {
				game.movetext = movetext.String()
				return game, nil
			}
			return rawGame{}, io.EOF
		}
	}
}

var (
	moveNumberRegex = regexp.MustCompile(`\d+\.+\s*`)
	commentRegex    = regexp.MustCompile(`\{[^}]*\}`)
)

// resultTokens terminate movetext.
var resultTokens = map[string]bool{
	"1-0": true, "0-1": true, "1/2-1/2": true, "*": true,
}

// movetextSANs extracts the mainline SAN tokens from movetext, dropping
// comments, NAGs, variations, and the game result.
func movetextSANs(movetext string) []string {
	cleaned := commentRegex.ReplaceAllString(movetext, " ")
	cleaned = stripVariations(cleaned)
	cleaned = moveNumberRegex.ReplaceAllString(cleaned, "")

	var sans []string
	for _, tok := range strings.Fields(cleaned) {
		if resultTokens[tok] || tok[0] == '$' {
			continue
		}
		sans = append(sans, tok)
	}
	return sans
}

// stripVariations removes parenthesized variations, including nested ones.
func stripVariations(s string) string {
	var sb strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}

// gameID derives a stable id from the game's tags and movetext, so
// reloading a file never duplicates games.
func gameID(raw rawGame) int64 {
	h := fnv.New64a()
	for _, tag := range []string{"Event", "Site", "Date", "Round", "White", "Black", "Result"} {
		io.WriteString(h, raw.tags[tag])
		io.WriteString(h, "\x00")
	}
	io.WriteString(h, raw.movetext)
	// Keep ids positive for readability in logs and queries.
	return int64(h.Sum64() &^ (1 << 63))
}

func parseRating(s string) int {
	if s == "" || s == "?" || s == "-" {
		return 0
	}
	r, _ := strconv.Atoi(s)
	return r
}
