package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/vmelnikova/linkpos/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса кассы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.CreateSession)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", h.GetSession)

					r.Post("/items", h.AddItem)
					r.Patch("/items/{itemID}", h.UpdateItem)
					r.Delete("/items/{itemID}", h.RemoveItem)

					r.Put("/tip", h.SetTip)
					r.Put("/payment-method", h.SetPaymentMethod)
					r.Put("/client", h.SetClient)

					r.Post("/advance", h.Advance)
					r.Post("/back", h.Back)
					r.Post("/commit", h.Commit)

					r.Post("/queue-claim", h.StartSaleFromQueue)
					r.Post("/queue-release", h.CancelServing)

					r.Patch("/jump-rings", h.AdjustResolution)
					r.Post("/jump-rings/confirm", h.ConfirmJumpRings)
					r.Post("/jump-rings/skip", h.SkipJumpRings)

					r.Post("/receipt", h.SendReceipt)
					r.Post("/new-sale", h.NewSale)
				})
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/", h.GetQueue)
				r.Post("/{entryID}/notify", h.NotifyEntry)
				r.Post("/{entryID}/no-show", h.MarkNoShow)
				r.Post("/{entryID}/remove", h.RemoveEntry)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
