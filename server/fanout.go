package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"scrapnote.io/collab"
)

const fanoutChannelPrefix = "scrap:"

type fanoutMessage struct {
	InstanceId string           `json:"instance_id"`
	Envelope   *collab.Envelope `json:"envelope"`
}

// Fanout relays room traffic between hub instances over redis pub/sub, one
// channel per document id. A hub with no fanout configured works the same
// with all members on one instance.
type Fanout struct {
	ctx    context.Context
	cancel context.CancelFunc

	// distinguishes our own published messages from peers'
	instanceId string

	rdb *redis.Client

	// set by the owning hub
	receive func(envelope *collab.Envelope)

	mutex         sync.Mutex
	subscriptions map[string]*redis.PubSub
}

func NewFanout(ctx context.Context, redisAddr string) (*Fanout, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "fanout redis")
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Fanout{
		ctx:           cancelCtx,
		cancel:        cancel,
		instanceId:    collab.NewId().String(),
		rdb:           rdb,
		subscriptions: map[string]*redis.PubSub{},
	}, nil
}

func (self *Fanout) Publish(ctx context.Context, envelope *collab.Envelope) error {
	payload, err := json.Marshal(&fanoutMessage{
		InstanceId: self.instanceId,
		Envelope:   envelope,
	})
	if err != nil {
		return err
	}
	return self.rdb.Publish(ctx, fanoutChannelPrefix+envelope.DocumentId, payload).Err()
}

func (self *Fanout) Subscribe(documentId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, ok := self.subscriptions[documentId]; ok {
		return
	}
	pubsub := self.rdb.Subscribe(self.ctx, fanoutChannelPrefix+documentId)
	self.subscriptions[documentId] = pubsub

	go func() {
		for message := range pubsub.Channel() {
			decoded := &fanoutMessage{}
			if err := json.Unmarshal([]byte(message.Payload), decoded); err != nil {
				glog.V(2).Infof("[fanout]drop malformed message\n")
				continue
			}
			if decoded.InstanceId == self.instanceId {
				// our own publish echoed back
				continue
			}
			if self.receive != nil && decoded.Envelope != nil {
				self.receive(decoded.Envelope)
			}
		}
	}()
}

func (self *Fanout) Unsubscribe(documentId string) {
	self.mutex.Lock()
	pubsub := self.subscriptions[documentId]
	delete(self.subscriptions, documentId)
	self.mutex.Unlock()
	if pubsub != nil {
		pubsub.Close()
	}
}

func (self *Fanout) Close() {
	self.cancel()

	self.mutex.Lock()
	subscriptions := self.subscriptions
	self.subscriptions = map[string]*redis.PubSub{}
	self.mutex.Unlock()
	for _, pubsub := range subscriptions {
		pubsub.Close()
	}
	self.rdb.Close()
}
