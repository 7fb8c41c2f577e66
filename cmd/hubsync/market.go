package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/hubsync"
)

var (
	cartAddQty int

	listingTitle       string
	listingDescription string
	listingPrice       int64
	listingCurrency    string
	listingCategory    string
)

func init() {
	cartAddCmd.Flags().IntVarP(&cartAddQty, "qty", "q", 1, "Quantity to add")
	cartCmd.AddCommand(cartShowCmd, cartAddCmd, cartRemoveCmd, cartSetCmd, cartClearCmd)
	favoritesCmd.AddCommand(favoritesToggleCmd)
	listingsCreateCmd.Flags().StringVar(&listingTitle, "title", "", "Listing title")
	listingsCreateCmd.Flags().StringVar(&listingDescription, "description", "", "Listing description")
	listingsCreateCmd.Flags().Int64Var(&listingPrice, "price", 0, "Price in minor units")
	listingsCreateCmd.Flags().StringVar(&listingCurrency, "currency", "", "Currency code")
	listingsCreateCmd.Flags().StringVar(&listingCategory, "category", "", "Listing category")
	listingsCmd.AddCommand(listingsCreateCmd)
	rootCmd.AddCommand(cartCmd, favoritesCmd, listingsCmd)
}

// ============================================================================
// cart
// ============================================================================

var cartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Manage the local marketplace cart",
}

var cartShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cart",
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		printCart(hub.Cart())
		return nil
	}),
}

var cartAddCmd = &cobra.Command{
	Use:   "add <listing-id>",
	Short: "Add a marketplace listing to the cart",
	Args:  cobra.ExactArgs(1),
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		listings, err := hub.Client().Listings.List(ctx)
		if err != nil {
			return fmt.Errorf("cannot load listings: %s", describeError(err))
		}
		for _, l := range listings {
			if l.ID == args[0] {
				if err := hub.Cart().Add(ctx, l, cartAddQty); err != nil {
					return err
				}
				printCart(hub.Cart())
				return nil
			}
		}
		return fmt.Errorf("listing %q not found", args[0])
	}),
}

var cartRemoveCmd = &cobra.Command{
	Use:   "remove <listing-id>",
	Short: "Remove a listing from the cart",
	Args:  cobra.ExactArgs(1),
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if err := hub.Cart().Remove(ctx, args[0]); err != nil {
			return err
		}
		printCart(hub.Cart())
		return nil
	}),
}

var cartSetCmd = &cobra.Command{
	Use:   "set <listing-id> <qty>",
	Short: "Set the quantity of a listing (0 removes it)",
	Args:  cobra.ExactArgs(2),
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		qty, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("quantity must be an integer")
		}
		if err := hub.Cart().SetQuantity(ctx, args[0], qty); err != nil {
			return err
		}
		printCart(hub.Cart())
		return nil
	}),
}

var cartClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cart",
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if err := hub.Cart().Clear(ctx); err != nil {
			return err
		}
		fmt.Println("Cart cleared.")
		return nil
	}),
}

func withHub(fn func(ctx context.Context, hub *hubsync.Hub, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		hub, release, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, hub, args)
	}
}

func printCart(cart *hubsync.Cart) {
	items := cart.Items()
	if len(items) == 0 {
		fmt.Println("Cart is empty.")
		return
	}
	for _, it := range items {
		fmt.Printf("%-24s %-30s %4d x %8d\n", it.Listing.ID, it.Listing.Title, it.Quantity, it.Listing.Price)
	}
	fmt.Printf("\n%d items, total %d\n", cart.TotalItems(), cart.TotalPrice())
}

// ============================================================================
// favorites and listings
// ============================================================================

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "List favorite listings",
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		favs := hub.Favorites()
		if err := favs.Load(ctx); err != nil {
			return fmt.Errorf("cannot load favorites: %s", describeError(err))
		}
		ids := favs.IDs()
		if len(ids) == 0 {
			fmt.Println("No favorites.")
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}),
}

var favoritesToggleCmd = &cobra.Command{
	Use:   "toggle <listing-id>",
	Short: "Add or remove a favorite",
	Args:  cobra.ExactArgs(1),
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		favs := hub.Favorites()
		if err := favs.Load(ctx); err != nil {
			return fmt.Errorf("cannot load favorites: %s", describeError(err))
		}
		if err := favs.Toggle(ctx, args[0]); err != nil {
			return fmt.Errorf("toggle failed: %s", describeError(err))
		}
		if favs.Has(args[0]) {
			fmt.Printf("%s added to favorites\n", args[0])
		} else {
			fmt.Printf("%s removed from favorites\n", args[0])
		}
		return nil
	}),
}

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "List marketplace listings",
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		listings, err := hub.Client().Listings.List(ctx)
		if err != nil {
			return fmt.Errorf("cannot load listings: %s", describeError(err))
		}
		for _, l := range listings {
			fmt.Printf("%-24s %-30s %8d %s\n", l.ID, l.Title, l.Price, l.Currency)
		}
		return nil
	}),
}

var listingsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Put a listing on the marketplace",
	RunE: withHub(func(ctx context.Context, hub *hubsync.Hub, args []string) error {
		if _, err := resume(ctx, hub); err != nil {
			return err
		}
		listing, err := hub.Client().Listings.Create(ctx, &hubsync.CreateListingOptions{
			Title:       listingTitle,
			Description: listingDescription,
			Price:       listingPrice,
			Currency:    listingCurrency,
			Category:    listingCategory,
		})
		if err != nil {
			return fmt.Errorf("cannot create listing: %s", describeError(err))
		}
		fmt.Printf("Listing %s created.\n", listing.ID)
		return nil
	}),
}
