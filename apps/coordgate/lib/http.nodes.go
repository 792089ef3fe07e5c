package lib

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/clients/coordclient"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/thirdpartyshared/ginshared"

	"github.com/gin-gonic/gin"
)

var errUnknownTxnOp = errors.New("unknown transaction operation")

func toNodeStat(st *ensemble.Stat) *api.NodeStat {
	return &api.NodeStat{
		Czxid:          st.Czxid,
		Mzxid:          st.Mzxid,
		Ctime:          st.Ctime,
		Mtime:          st.Mtime,
		Version:        st.Version,
		Cversion:       st.Cversion,
		EphemeralOwner: st.EphemeralOwner,
		DataLength:     st.DataLength,
		NumChildren:    st.NumChildren,
	}
}

func (g *Gateway) getNode(ctx *gin.Context) ginshared.Render {
	path := ctx.Param("path")
	value, st, err := g.client.GetStat(ctx.Request.Context(), path)
	if err != nil {
		return ginshared.RenderError(err)
	}
	if st == nil {
		return ginshared.RenderError(coordclient.ErrNoNode)
	}
	return ginshared.RenderJson(http.StatusOK, api.NodeResponse{
		Path:  coordclient.Normalize(path),
		Value: value,
		Stat:  toNodeStat(st),
	})
}

func (g *Gateway) createNode(ctx *gin.Context) ginshared.Render {
	path := ctx.Param("path")
	mode, err := api.ParseNodeMode(ctx.Query("mode"))
	if err != nil {
		return ginshared.RenderError(ginshared.BadRequest(err))
	}
	recurse, err := queryBool(ctx, "recurse")
	if err != nil {
		return ginshared.RenderError(err)
	}
	value, err := readValue(ctx)
	if err != nil {
		return ginshared.RenderError(err)
	}
	created, err := g.client.Create(ctx.Request.Context(), path, value, mode, recurse)
	if err != nil {
		return ginshared.RenderError(err)
	}
	return ginshared.RenderJson(http.StatusCreated, api.CreateResponse{Path: created})
}

func (g *Gateway) updateNode(ctx *gin.Context) ginshared.Render {
	path := ctx.Param("path")
	version, conditional, err := queryVersion(ctx)
	if err != nil {
		return ginshared.RenderError(err)
	}
	value, err := readValue(ctx)
	if err != nil {
		return ginshared.RenderError(err)
	}
	if conditional {
		err = g.client.UpdateVersion(ctx.Request.Context(), path, value, version)
	} else {
		err = g.client.Update(ctx.Request.Context(), path, value)
	}
	if err != nil {
		return ginshared.RenderError(err)
	}
	return ginshared.RenderStatus(http.StatusOK)
}

func (g *Gateway) deleteNode(ctx *gin.Context) ginshared.Render {
	path := ctx.Param("path")
	recurse, err := queryBool(ctx, "recurse")
	if err != nil {
		return ginshared.RenderError(err)
	}
	force, err := queryBool(ctx, "force")
	if err != nil {
		return ginshared.RenderError(err)
	}
	version, conditional, err := queryVersion(ctx)
	if err != nil {
		return ginshared.RenderError(err)
	}
	switch {
	case force:
		err = g.client.DeleteForce(ctx.Request.Context(), path)
	case conditional:
		err = g.client.DeleteVersion(ctx.Request.Context(), path, version)
	default:
		err = g.client.Delete(ctx.Request.Context(), path, recurse)
	}
	if err != nil {
		return ginshared.RenderError(err)
	}
	return ginshared.RenderStatus(http.StatusOK)
}

func (g *Gateway) children(ctx *gin.Context) ginshared.Render {
	path := ctx.Param("path")
	names, err := g.client.Children(ctx.Request.Context(), path)
	if err != nil {
		return ginshared.RenderError(err)
	}
	list := names.ToSlice()
	sort.Strings(list)
	return ginshared.RenderJson(http.StatusOK, api.ChildrenResponse{
		Path:     coordclient.Normalize(path),
		Children: list,
	})
}

func (g *Gateway) transaction(ctx *gin.Context) ginshared.Render {
	req := new(api.TxnRequest)
	if err := ctx.ShouldBindJSON(req); err != nil {
		return ginshared.RenderError(ginshared.BadRequest(err))
	}

	g.txLock.Lock()
	defer g.txLock.Unlock()
	results, err := g.client.InTransaction(ctx.Request.Context(), func(tx *coordclient.Transaction) error {
		for _, op := range req.Ops {
			if err := queueTxnOp(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ginshared.RenderError(err)
	}
	resp := api.TxnResponse{Results: make([]api.TxnResult, 0, len(results))}
	for _, r := range results {
		resp.Results = append(resp.Results, api.TxnResult{
			Kind:       strings.ToLower(r.Kind.String()),
			ForPath:    r.ForPath,
			ResultPath: r.ResultPath,
		})
	}
	return ginshared.RenderJson(http.StatusOK, resp)
}

func queueTxnOp(tx *coordclient.Transaction, op api.TxnOp) error {
	switch strings.ToLower(op.Kind) {
	case "create":
		mode, err := api.ParseNodeMode(op.Mode)
		if err != nil {
			return ginshared.BadRequest(err)
		}
		return tx.Create(op.Path, op.Value, mode)
	case "update":
		if op.Version != nil {
			return tx.UpdateVersion(op.Path, op.Value, *op.Version)
		}
		return tx.Update(op.Path, op.Value)
	case "delete":
		if op.Version != nil {
			return tx.DeleteVersion(op.Path, *op.Version)
		}
		return tx.Delete(op.Path, op.Recurse)
	case "check":
		version := ensemble.AnyVersion
		if op.Version != nil {
			version = *op.Version
		}
		return tx.Check(op.Path, version)
	default:
		return ginshared.BadRequest(&coordclient.TransactionError{
			Index: tx.Len(),
			Err:   fmt.Errorf("%w: %s", errUnknownTxnOp, op.Kind),
		})
	}
}
