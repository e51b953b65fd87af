package routes

import (
	"bufio"
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-hub/internal/worker"
)

// RegisterWorkerRoutes 暴露流式下载与 blob 句柄接口：
//
//	GET    /-/worker/load?url=...  以 NDJSON 逐行输出 worker 消息
//	GET    /-/blobs/:id            读取已完成下载的正文
//	DELETE /-/blobs/:id            撤销句柄
func RegisterWorkerRoutes(app *fiber.App, w *worker.Worker) {
	if app == nil || w == nil {
		return
	}

	app.Get("/-/worker/load", func(c fiber.Ctx) error {
		target := strings.TrimSpace(c.Query("url"))
		if target == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
		}

		// 流式写出发生在 handler 返回之后，不能依赖请求 ctx。
		ctx, cancel := context.WithCancel(context.Background())
		messages := w.Load(ctx, target)

		c.Set(fiber.HeaderContentType, "application/x-ndjson")
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.SendStreamWriter(func(out *bufio.Writer) {
			defer cancel()
			for msg := range messages {
				data, err := worker.Encode(msg)
				if err == nil {
					_, _ = out.Write(data)
					err = out.WriteByte('\n')
				}
				if err == nil {
					err = out.Flush()
				}
				if err != nil {
					cancel()
					for range messages {
					}
					return
				}
			}
		})
	})

	blobs := w.Blobs()

	app.Get("/-/blobs/:id", func(c fiber.Ctx) error {
		payload, ok := blobs.Open(worker.HandleFromID(c.Params("id")))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "blob_not_found"})
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		return c.Send(payload)
	})

	app.Delete("/-/blobs/:id", func(c fiber.Ctx) error {
		if !blobs.Revoke(worker.HandleFromID(c.Params("id"))) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "blob_not_found"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}
