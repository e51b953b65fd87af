package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-hub/internal/cache"
	"github.com/any-hub/asset-hub/internal/lifecycle"
	"github.com/any-hub/asset-hub/internal/proxy"
)

// StatusSource 提供生命周期快照与当前 Router，lifecycle.Controller 满足该接口。
type StatusSource interface {
	Status() lifecycle.Status
	Active() *proxy.Router
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供 SRE 查询版本状态、store 列表与分类表。
func RegisterStatusRoutes(app *fiber.App, source StatusSource, manager cache.Manager, backend string) {
	if app == nil || source == nil || manager == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		names, err := manager.Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_list_failed"})
		}
		return c.JSON(statusPayload{
			Lifecycle:      source.Status(),
			Backend:        backend,
			Stores:         names,
			Classification: encodeClassification(source.Active()),
		})
	})
}

type statusPayload struct {
	Lifecycle      lifecycle.Status      `json:"lifecycle"`
	Backend        string                `json:"backend"`
	Stores         []string              `json:"stores"`
	Classification []classificationEntry `json:"classification,omitempty"`
}

type classificationEntry struct {
	Class    string   `json:"class"`
	Strategy string   `json:"strategy"`
	Files    []string `json:"files,omitempty"`
}

func encodeClassification(router *proxy.Router) []classificationEntry {
	if router == nil {
		return nil
	}
	files := router.Classifier().Files()
	sort.Strings(files)
	policy := proxy.DefaultPolicy()
	return []classificationEntry{
		{
			Class:    proxy.ClassPermanentAsset.String(),
			Strategy: policy.Lookup(proxy.ClassPermanentAsset).String(),
			Files:    files,
		},
		{
			Class:    proxy.ClassOther.String(),
			Strategy: policy.Lookup(proxy.ClassOther).String(),
		},
	}
}
