package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/gastownhall/live-relay/internal/gaps"
	"github.com/gastownhall/live-relay/internal/wire"
)

type rankedSession struct {
	wire.SessionInfo
	Gaps int
}

// rankSessions orders sessions by gap count, then by most recent activity.
func rankSessions(sessions []rankedSession) {
	slices.SortStableFunc(sessions, func(a, b rankedSession) int {
		if a.Gaps != b.Gaps {
			return b.Gaps - a.Gaps
		}
		switch {
		case a.LastActivity > b.LastActivity:
			return -1
		case a.LastActivity < b.LastActivity:
			return 1
		}
		return 0
	})
}

func listSessions(ctx context.Context, api *apiClient, classifier *gaps.Classifier, include, exclude string, out io.Writer) error {
	infos, err := api.LiveSessions(ctx, include, exclude)
	if err != nil {
		return err
	}
	ranked := make([]rankedSession, 0, len(infos))
	for _, info := range infos {
		snap, err := api.Messages(ctx, info.SessionID, info.ConversationNumber)
		if err != nil {
			return err
		}
		ranked = append(ranked, rankedSession{SessionInfo: info, Gaps: len(classifier.Scan(snap.Messages))})
	}
	rankSessions(ranked)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SESSION\tCONV\tMSGS\tGAPS\tURGENCY\tOWNER\tLAST ACTIVITY\tPREVIEW")
	for _, s := range ranked {
		owner := s.TakenOverBy
		if owner == "" {
			owner = "ai"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.ConversationNumber, s.MessageCount, s.Gaps,
			gaps.UrgencyFor(s.Gaps), owner,
			time.Unix(s.LastActivity, 0).Format(time.TimeOnly),
			s.FirstMessagePreview)
	}
	return tw.Flush()
}
