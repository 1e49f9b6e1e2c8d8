package events

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"minter/internal/config"
	"minter/internal/errors"
	"minter/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	seller = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bidder = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startedEvent() *models.Event {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return models.NewAuctionStartedEvent(&models.Auction{
		ID:        3,
		Seller:    seller,
		ItemID:    7,
		Mode:      models.ModeBlinded,
		Duration:  86400,
		StartTime: start,
		EndTime:   start.Add(24 * time.Hour),
	})
}

func bidEvent(amount uint64) *models.Event {
	return models.NewBidPlacedEvent(&models.Bid{
		AuctionID: 3,
		Bidder:    bidder,
		Amount:    uint256.NewInt(amount),
		PlacedAt:  time.Now(),
	})
}

func TestNewPublisher(t *testing.T) {
	logger := quietLogger()

	p, err := NewPublisher(nil, logger)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, p)

	p, err = NewPublisher(&config.EventsConfig{Format: "none"}, logger)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, p)

	p, err = NewPublisher(&config.EventsConfig{Format: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryPublisher{}, p)

	p, err = NewPublisher(&config.EventsConfig{Format: "file", Directory: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FilePublisher{}, p)
	require.NoError(t, p.Close())

	_, err = NewPublisher(&config.EventsConfig{Format: "xml"}, logger)
	assert.Error(t, err)
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()

	require.NoError(t, p.Publish(startedEvent()))
	require.NoError(t, p.Publish(bidEvent(100)))
	require.NoError(t, p.Publish(nil))

	assert.Len(t, p.Events(), 2)
	started := p.EventsOfKind(models.EventAuctionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, seller, started[0].Seller)
	assert.True(t, started[0].Blind)
	assert.Equal(t, uint64(86400), started[0].Duration)

	require.NoError(t, p.Close())
	assert.Error(t, p.Publish(bidEvent(1)))
}

func TestFilePublisher(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePublisher(dir, quietLogger())
	require.NoError(t, err)

	require.NoError(t, p.Publish(startedEvent()))
	require.NoError(t, p.Publish(bidEvent(100)))
	require.NoError(t, p.Publish(bidEvent(200)))
	require.NoError(t, p.Close())

	lines := readLines(t, p.Path(models.EventBidPlaced))
	require.Len(t, lines, 2)

	var first models.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, models.EventBidPlaced, first.Kind)
	assert.Equal(t, bidder, first.From)
	assert.Equal(t, uint64(100), first.Amount.Uint64())
	require.NotNil(t, first.AuctionID)
	assert.Equal(t, uint64(3), *first.AuctionID)

	assert.Len(t, readLines(t, p.Path(models.EventAuctionStarted)), 1)

	_, err = os.Stat(p.Path(models.EventMinted))
	assert.True(t, os.IsNotExist(err))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "minter_auction_started" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "auction-3" {
			return fmt.Errorf("unexpected key %s", key)
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(value, &payload); err != nil {
			return err
		}
		if payload["seller"] != seller.Hex() || payload["blind"] != true {
			return fmt.Errorf("unexpected payload %v", payload)
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, config.DefaultTopics(), quietLogger())
	require.NoError(t, p.Publish(startedEvent()))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_RetriesTransientFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	p := NewKafkaPublisherWithProducer(producer, nil, quietLogger())
	require.NoError(t, p.Publish(bidEvent(100)))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_PermanentFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	p := NewKafkaPublisherWithProducer(producer, nil, quietLogger())
	err := p.Publish(bidEvent(100))

	assert.True(t, stderrors.Is(err, errors.ErrPublishFailed))
	assert.True(t, stderrors.Is(err, sarama.ErrMessageSizeTooLarge))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_Topic(t *testing.T) {
	p := NewKafkaPublisherWithProducer(mocks.NewSyncProducer(t, nil), map[string]string{
		"bid_placed": "custom_bids",
	}, quietLogger())

	assert.Equal(t, "custom_bids", p.Topic(models.EventBidPlaced))
	assert.Equal(t, "minter_minted", p.Topic(models.EventMinted))
	require.NoError(t, p.Close())
}

func TestEventKeys(t *testing.T) {
	assert.Equal(t, "auction-3", startedEvent().Key())

	minted := models.NewLedgerEvent(models.EventMinted, time.Now(), common.Address{}, bidder, uint256.NewInt(5))
	assert.Equal(t, bidder.Hex(), minted.Key())

	burned := models.NewLedgerEvent(models.EventBurned, time.Now(), seller, common.Address{}, uint256.NewInt(5))
	assert.Equal(t, seller.Hex(), burned.Key())
}
