package server

import (
	"encoding/json"
	"net/http"

	"e2e_messaging/internal/model"
	"e2e_messaging/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxKeyUpload = 1 << 20

func (s *HttpServer) PutKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var upload model.KeyUpload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxKeyUpload)).Decode(&upload); err != nil {
			http.Error(w, "invalid key upload", http.StatusBadRequest)
			return
		}
		if upload.UserID != name {
			http.Error(w, "user id does not match path", http.StatusBadRequest)
			return
		}
		if len(upload.IdentityKey) != 32 || len(upload.SignedPreKey.PublicKey) != 32 || len(upload.SigningKey) == 0 {
			http.Error(w, "missing key material", http.StatusBadRequest)
			return
		}

		if err := s.keys.Upsert(r.Context(), &upload); err != nil {
			log.Error("publish keys failed", zap.String("name", name), zap.Error(err))
			http.Error(w, "publish keys failed", http.StatusInternalServerError)
			return
		}
		log.Info("keys published", zap.String("name", name), zap.Int("prekeys", len(upload.PreKeys)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetPreKeyBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		bundle, err := s.keys.FetchBundle(r.Context(), name)
		if err != nil {
			log.Error("get prekey bundle failed", zap.String("name", name), zap.Error(err))
			http.Error(w, "get prekey bundle failed", http.StatusInternalServerError)
			return
		}
		if bundle == nil {
			http.Error(w, "user has no published keys", http.StatusNotFound)
			return
		}
		if bundle.OneTimePreKey == nil {
			log.Warn("prekey pool empty", zap.String("name", name))
		}

		writeJSON(w, bundle)
	}
}

func (s *HttpServer) PostPreKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var preKeys []model.PublicPreKey
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxKeyUpload)).Decode(&preKeys); err != nil {
			http.Error(w, "invalid prekeys", http.StatusBadRequest)
			return
		}

		found, err := s.keys.AddPreKeys(r.Context(), name, preKeys)
		if err != nil {
			log.Error("add prekeys failed", zap.String("name", name), zap.Error(err))
			http.Error(w, "add prekeys failed", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "user has no published keys", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) GetPreKeyCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		n, found, err := s.keys.Count(r.Context(), name)
		if err != nil {
			log.Error("count prekeys failed", zap.String("name", name), zap.Error(err))
			http.Error(w, "count prekeys failed", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "no keys published", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]int{"count": n})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
