package services

import "dicegame-backend/internal/models"

type Broadcaster interface {
	BroadcastWindow(player string, window models.DecisionWindow, state models.WindowState)
	BroadcastBoard(board *models.Board)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastWindow(string, models.DecisionWindow, models.WindowState) {}
func (nopBroadcaster) BroadcastBoard(*models.Board)                                     {}
