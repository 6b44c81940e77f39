package main

import (
	"context"
	"log/slog"

	"github.com/alem-hub/peer-tutoring/config"
	"github.com/alem-hub/peer-tutoring/internal/application/command"
	"github.com/alem-hub/peer-tutoring/internal/application/orchestrator"
	"github.com/alem-hub/peer-tutoring/internal/application/query"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// APPLICATION
// Все обработчики команд и запросов, собранные над одним хранилищем.
// Транспорт (бот, HTTP) подключается к этой структуре.
// ══════════════════════════════════════════════════════════════════════════════

type application struct {
	Orchestrator *orchestrator.Orchestrator
	Commands     commands
	Queries      queries
	logger       *slog.Logger
}

type commands struct {
	RecordPerformance *command.RecordPerformanceHandler
	UpdateMatchStatus *command.UpdateMatchStatusHandler
	ConnectPeers      *command.ConnectPeersHandler
	RequestHelp       *command.RequestHelpHandler
	OfferHelp         *command.OfferHelpHandler
	AcceptHelpRequest *command.AcceptHelpRequestHandler
}

type queries struct {
	StudentMatches    *query.GetStudentMatchesHandler
	AvailableChapters *query.GetAvailableChaptersHandler
	PotentialPartners *query.GetPotentialPartnersHandler
	MatchingStats     *query.GetMatchingStatsHandler
	HelpBoard         *query.GetHelpBoardHandler
}

func newApplication(
	tx matching.Transactor,
	orch *orchestrator.Orchestrator,
	statsCache matching.StatsCache,
	publisher shared.EventPublisher,
	cfg *config.Config,
	logger *slog.Logger,
) *application {
	policy := orch.Policy()
	return &application{
		Orchestrator: orch,
		Commands: commands{
			RecordPerformance: command.NewRecordPerformanceHandler(tx, performance.NewAggregator(nil), publisher, logger),
			UpdateMatchStatus: command.NewUpdateMatchStatusHandler(tx, publisher, logger),
			ConnectPeers:      command.NewConnectPeersHandler(tx, policy, publisher, logger),
			RequestHelp:       command.NewRequestHelpHandler(tx, publisher, logger),
			OfferHelp:         command.NewOfferHelpHandler(tx, policy, publisher, logger),
			AcceptHelpRequest: command.NewAcceptHelpRequestHandler(tx, policy, publisher, logger),
		},
		Queries: queries{
			StudentMatches:    query.NewGetStudentMatchesHandler(tx),
			AvailableChapters: query.NewGetAvailableChaptersHandler(tx),
			PotentialPartners: query.NewGetPotentialPartnersHandler(tx, policy, cfg.Matching.PotentialLimit),
			MatchingStats:     query.NewGetMatchingStatsHandler(tx, statsCache, policy, logger),
			HelpBoard:         query.NewGetHelpBoardHandler(tx),
		},
		logger: logger,
	}
}

// logSummary пишет в лог состояние пула при старте.
func (a *application) logSummary(ctx context.Context) {
	stats, err := a.Queries.MatchingStats.Handle(ctx, query.GetMatchingStatsQuery{})
	if err != nil {
		a.logger.Warn("failed to load matching stats", "error", err)
		return
	}
	a.logger.Info("matching pool",
		"policy", a.Orchestrator.Policy().Eligibility.Name(),
		"students", stats.Students,
		"potential_tutors", stats.PotentialTutors,
		"potential_learners", stats.PotentialLearners,
		"chapters", len(stats.Chapters),
		"matches", stats.Matches,
	)
}
