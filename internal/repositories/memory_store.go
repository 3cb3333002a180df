package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"coach-chat-service/internal/models"
)

// MemoryStore is an in-process Store with the same semantics as SQLStore.
// Transactions are serialized by a single lock and rolled back on error.
type MemoryStore struct {
	state *memoryState
	inTx  bool
}

type memoryState struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMsgID     int64
	conversations map[int64]models.Conversation
	pairs         map[[2]int64]int64
	messages      map[int64][]models.Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		conversations: make(map[int64]models.Conversation),
		pairs:         make(map[[2]int64]int64),
		messages:      make(map[int64][]models.Message),
	}}
}

func (s *MemoryStore) Conversations() ConversationRepository { return memoryConversations{s} }

func (s *MemoryStore) Messages() MessageRepository { return memoryMessages{s} }

// InTx runs fn while holding the store lock.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&MemoryStore{state: s.state, inTx: true}); err != nil {
		s.state.restore(snapshot)
		return err
	}
	return nil
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.state.mu.Lock()
	return s.state.mu.Unlock
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		nextConvID:    st.nextConvID,
		nextMsgID:     st.nextMsgID,
		conversations: make(map[int64]models.Conversation, len(st.conversations)),
		pairs:         make(map[[2]int64]int64, len(st.pairs)),
		messages:      make(map[int64][]models.Message, len(st.messages)),
	}
	for k, v := range st.conversations {
		c.conversations[k] = v
	}
	for k, v := range st.pairs {
		c.pairs[k] = v
	}
	for k, v := range st.messages {
		c.messages[k] = append([]models.Message(nil), v...)
	}
	return c
}

func (st *memoryState) restore(from *memoryState) {
	st.nextConvID = from.nextConvID
	st.nextMsgID = from.nextMsgID
	st.conversations = from.conversations
	st.pairs = from.pairs
	st.messages = from.messages
}

type memoryConversations struct{ s *MemoryStore }

func (r memoryConversations) CreateOrGet(_ context.Context, initiatorID, counterpartID int64, quotaLimit int, now time.Time) (models.Conversation, bool, error) {
	defer r.s.lock()()
	st := r.s.state
	key := [2]int64{initiatorID, counterpartID}
	if id, ok := st.pairs[key]; ok {
		return st.conversations[id], false, nil
	}
	st.nextConvID++
	conv := models.Conversation{
		ID:            st.nextConvID,
		InitiatorID:   initiatorID,
		CounterpartID: counterpartID,
		Status:        models.StatusOpen,
		QuotaLimit:    quotaLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	st.conversations[conv.ID] = conv
	st.pairs[key] = conv.ID
	return conv, true, nil
}

func (r memoryConversations) Get(_ context.Context, conversationID int64) (models.Conversation, error) {
	defer r.s.lock()()
	conv, ok := r.s.state.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// GetForUpdate relies on the store lock held by InTx.
func (r memoryConversations) GetForUpdate(ctx context.Context, conversationID int64) (models.Conversation, error) {
	return r.Get(ctx, conversationID)
}

func (r memoryConversations) Update(_ context.Context, conv models.Conversation) error {
	defer r.s.lock()()
	if _, ok := r.s.state.conversations[conv.ID]; !ok {
		return ErrConversationNotFound
	}
	r.s.state.conversations[conv.ID] = conv
	return nil
}

func (r memoryConversations) ListForParticipant(_ context.Context, userID int64) ([]models.ConversationSummary, error) {
	defer r.s.lock()()
	st := r.s.state
	var result []models.ConversationSummary
	for _, conv := range st.conversations {
		role, ok := conv.RoleOf(userID)
		if !ok {
			continue
		}
		result = append(result, models.ConversationSummary{
			Conversation: conv,
			Role:         role,
			UnreadCount:  countUnread(st.messages[conv.ID], userID),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := activity(result[i].Conversation), activity(result[j].Conversation)
		if ai.Equal(aj) {
			return result[i].ID > result[j].ID
		}
		return ai.After(aj)
	})
	return result, nil
}

func activity(conv models.Conversation) time.Time {
	if conv.LastMessage != nil {
		return conv.LastMessage.CreatedAt
	}
	return conv.UpdatedAt
}

func (r memoryConversations) ListExpiredContracts(_ context.Context, now time.Time, limit int) ([]int64, error) {
	defer r.s.lock()()
	var expired []models.Conversation
	for _, conv := range r.s.state.conversations {
		if conv.Status == models.StatusContracted && conv.ContractValidUntil != nil && !conv.ContractValidUntil.After(now) {
			expired = append(expired, conv)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ContractValidUntil.Before(*expired[j].ContractValidUntil)
	})
	ids := make([]int64, 0, len(expired))
	for i, conv := range expired {
		if i == limit {
			break
		}
		ids = append(ids, conv.ID)
	}
	return ids, nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) Create(_ context.Context, msg models.Message) (models.Message, error) {
	defer r.s.lock()()
	st := r.s.state
	if _, ok := st.conversations[msg.ConversationID]; !ok {
		return models.Message{}, ErrConversationNotFound
	}
	st.nextMsgID++
	msg.ID = st.nextMsgID
	msg.Status = models.MessageSent
	st.messages[msg.ConversationID] = append(st.messages[msg.ConversationID], msg)
	return msg, nil
}

func (r memoryMessages) FindByClientToken(_ context.Context, conversationID, authorID int64, token string) (models.Message, error) {
	defer r.s.lock()()
	for _, msg := range r.s.state.messages[conversationID] {
		if token != "" && msg.AuthorID == authorID && msg.ClientToken == token {
			return msg, nil
		}
	}
	return models.Message{}, ErrMessageNotFound
}

func (r memoryMessages) ListBefore(_ context.Context, conversationID int64, before *Position, limit int) ([]models.Message, error) {
	defer r.s.lock()()
	log := append([]models.Message(nil), r.s.state.messages[conversationID]...)
	sort.SliceStable(log, func(i, j int) bool {
		return PositionOf(log[j]).Before(PositionOf(log[i]))
	})
	result := make([]models.Message, 0, limit)
	for _, msg := range log {
		if len(result) == limit {
			break
		}
		if before != nil && !PositionOf(msg).Before(*before) {
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

func (r memoryMessages) MarkRead(_ context.Context, conversationID, readerID int64, now time.Time) (int64, error) {
	defer r.s.lock()()
	log := r.s.state.messages[conversationID]
	var count int64
	for i := range log {
		if log[i].AuthorID != readerID && log[i].ReadAt == nil {
			readAt := now
			log[i].ReadAt = &readAt
			count++
		}
	}
	return count, nil
}

func (r memoryMessages) CountUnread(_ context.Context, conversationID, viewerID int64) (int, error) {
	defer r.s.lock()()
	return countUnread(r.s.state.messages[conversationID], viewerID), nil
}

func countUnread(log []models.Message, viewerID int64) int {
	count := 0
	for _, msg := range log {
		if msg.AuthorID != viewerID && msg.ReadAt == nil {
			count++
		}
	}
	return count
}
