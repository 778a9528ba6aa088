package trade

import (
	"context"
	"fmt"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
)

// Portfolio returns a user's wallet and positions marked to current NAV.
func (e *Engine) Portfolio(ctx context.Context, p auth.Principal, userID string) (*model.Portfolio, error) {
	if err := auth.CanActFor(p, userID); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindUser, userID); err != nil {
		return nil, err
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio %s: %w", userID, err)
	}

	pf := &model.Portfolio{
		UserID:             userID,
		WalletBalanceCents: user.WalletBalanceCents,
		Positions:          make([]model.PositionView, 0, len(positions)),
	}
	for _, pos := range positions {
		team, err := e.store.GetTeam(ctx, pos.TeamID)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s: %w", userID, err)
		}
		view, err := markPosition(pos, team)
		if err != nil {
			return nil, fmt.Errorf("portfolio %s: %w", userID, err)
		}
		pf.Positions = append(pf.Positions, view)
		pf.PortfolioValueCents += view.MarketValueCents
		pf.TotalInvestedCents += pos.TotalInvestedCents
	}
	pf.UnrealizedPnLCents = pf.PortfolioValueCents - pf.TotalInvestedCents
	pf.AccountValueCents = pf.WalletBalanceCents + pf.PortfolioValueCents
	return pf, nil
}

func markPosition(pos model.Position, team *model.Team) (model.PositionView, error) {
	nav, err := money.NAV(team.MarketCapCents, team.TotalShares)
	if err != nil {
		return model.PositionView{}, err
	}
	value, err := money.Mul(pos.Quantity, nav)
	if err != nil {
		return model.PositionView{}, err
	}
	return model.PositionView{
		Position:           pos,
		TeamName:           team.Name,
		PriceCents:         nav,
		MarketValueCents:   value,
		UnrealizedPnLCents: value - pos.TotalInvestedCents,
	}, nil
}
