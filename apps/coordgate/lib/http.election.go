package lib

import (
	"net/http"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/thirdpartyshared/ginshared"

	"github.com/gin-gonic/gin"
)

func (g *Gateway) election(ctx *gin.Context) ginshared.Render {
	if g.latch == nil {
		return ginshared.RenderJson(http.StatusOK, api.ElectionResponse{Enabled: false})
	}
	leader, err := g.latch.LeaderID(ctx.Request.Context())
	if err != nil {
		return ginshared.RenderError(err)
	}
	participants, err := g.latch.Participants(ctx.Request.Context())
	if err != nil {
		return ginshared.RenderError(err)
	}
	resp := api.ElectionResponse{
		Enabled:       true,
		Path:          g.latch.Path(),
		ParticipantID: g.latch.ID(),
		HasLeadership: g.latch.HasLeadership(),
		LeaderID:      leader,
	}
	for _, p := range participants {
		resp.Participants = append(resp.Participants, api.ParticipantInfo{ID: p.ID, Leader: p.Leader, Node: p.Node})
	}
	return ginshared.RenderJson(http.StatusOK, resp)
}
